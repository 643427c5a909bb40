// Copyright 2024 FrameFarm Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	stderrors "errors"

	"github.com/pingcap/errors"
)

// re-export so callers only need a single errors import. Is and As come
// from the standard library, which github.com/pingcap/errors does not
// re-export itself.
var (
	New       = errors.New
	Errorf    = errors.Errorf
	Is        = stderrors.Is
	As        = stderrors.As
	Unwrap    = errors.Unwrap
	Cause     = errors.Cause
	Trace     = errors.Trace
	Annotate  = errors.Annotate
	Annotatef = errors.Annotatef
)
