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
	"io"
	"syscall"
)

// BoundedWriter forwards writes to Dest until Remaining bytes have been
// used up, then fails the write with ENOSPC instead of growing past its
// budget. The PUFFDIFF executor uses this to cap how much deflate-segment
// output one operation may inflate; a segment that overruns the budget
// fails the operation.
type BoundedWriter struct {
	Dest      io.Writer
	Remaining uint64
}

func (b *BoundedWriter) Write(p []byte) (int, error) {
	if b.Dest == nil {
		return 0, syscall.EBADF
	}

	toWrite := p
	var overflow error
	if uint64(len(p)) > b.Remaining {
		// Only Remaining bytes fit the budget; the caller still gets a
		// short write plus ENOSPC rather than a silent truncation.
		toWrite = p[:b.Remaining]
		overflow = syscall.ENOSPC
	}

	n, err := b.Dest.Write(toWrite)
	if n > 0 {
		b.Remaining -= uint64(n)
	}
	if err != nil {
		overflow = err
	}
	return n, overflow
}
