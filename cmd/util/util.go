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

// Package util provides shared helpers for the command layer.
package util

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// Fatalf reports an unrecoverable error and exits. Used by commands for
// conditions where no supervision can continue; the umbilical monitor,
// if one is running, finishes any termination already under way.
func Fatalf(format string, args ...any) {
	logrus.Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "procwatch: "+format+"\n", args...)
	os.Exit(1)
}
