// Copyright (c) 2020 the drift authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

/*
Package drift is a dynamic binary translator core: guest machine code is
decoded by a frontend (SH4 or ARMv3), translated to an SSA IR, rewritten by
an optimization pipeline and assembled to native code by a backend (x86-64).
The jit package coordinates the pipeline and owns the code cache.

See the jit package documentation for the compilation flow, and cmd/recc for
a standalone driver that runs the pass pipeline over dumped IR.
*/
package drift
