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

// Binary procwatch supervises a child process: it relays the child's
// tether output, terminates the child when it goes quiet or outlives
// its deadlines, and guarantees through an umbilical monitor that the
// child does not survive the watchdog itself.
package main

import "github.com/procwatch/procwatch/cli"

func main() {
	cli.Main()
}
