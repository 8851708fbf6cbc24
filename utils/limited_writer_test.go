// Copyright 2021 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

package utils

import (
	"bytes"
	"io"
	"syscall"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type flakyWriter struct {
	Err     error
	Written int
}

func (fw *flakyWriter) Write(p []byte) (int, error) {
	return fw.Written, fw.Err
}

func TestBoundedWriter(t *testing.T) {
	bw := BoundedWriter{io.Discard, 5}

	_, err := bw.Write([]byte("abcde"))
	assert.NoError(t, err)

	_, err = bw.Write([]byte("foo"))
	assert.EqualError(t, err, syscall.ENOSPC.Error())

	b := &bytes.Buffer{}
	bw = BoundedWriter{b, 5}
	n, err := bw.Write([]byte("abcdefg"))
	assert.Equal(t, 5, n)
	assert.EqualError(t, err, syscall.ENOSPC.Error())
	assert.Equal(t, []byte("abcde"), b.Bytes())

	b = &bytes.Buffer{}
	bw = BoundedWriter{b, 5}
	n, err = bw.Write([]byte("foo"))
	assert.NoError(t, err)
	assert.Equal(t, len([]byte("foo")), n)

	bw = BoundedWriter{nil, 100}
	_, err = bw.Write([]byte("foo"))
	assert.Error(t, err)

	bw = BoundedWriter{
		Dest: &flakyWriter{
			Err:     errors.New("fail"),
			Written: 3,
		},
		Remaining: 10,
	}
	n, err = bw.Write([]byte("foo"))
	// flakyWriter pretends to have written 3 bytes
	assert.Equal(t, 3, n)
	// this should have been extracted from the remaining budget
	assert.Equal(t, uint64(7), bw.Remaining)
	assert.EqualError(t, err, "fail")
}
