// Copyright 2024 The Procwatch Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventlatch

import "sync"

// sigMutex guards latch and pipe state that is mutated in response to
// signal deliveries. The Go runtime delivers signals to ordinary
// goroutines through channels rather than running user code in handler
// context, so no signal masking is required and a plain mutex is
// sufficient.
type sigMutex = sync.Mutex
