// Licensed to the Apache Software Foundation (ASF) under one or more
// contributor license agreements.  See the NOTICE file distributed with
// this work for additional information regarding copyright ownership.
// The ASF licenses this file to You under the Apache License, Version 2.0
// (the "License"); you may not use this file except in compliance with
// the License.  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cascade

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const modulePath = "lostluck.dev/cascade-go"

// pipeName generates a unique pipe name, pointing at the line of user code
// that built it, such as "each/main.go:42 1b4e28ba".
func pipeName(prefix string) string {
	suffix := uuid.NewString()[:8]
	if file, line, ok := callSite(); ok {
		return fmt.Sprintf("%s/%s:%d %s", prefix, file, line, suffix)
	}
	return prefix + " " + suffix
}

// callSite finds the first caller outside this module. Test files of the
// module count as callers.
func callSite() (string, int, bool) {
	var pcs [32]uintptr
	n := runtime.Callers(3, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		own := strings.HasPrefix(fr.Function, modulePath+".") || strings.HasPrefix(fr.Function, modulePath+"/")
		if fr.Function != "" && !strings.HasPrefix(fr.Function, "runtime.") &&
			(!own || strings.HasSuffix(fr.File, "_test.go")) {
			return filepath.Base(fr.File), fr.Line, true
		}
		if !more {
			return "", 0, false
		}
	}
}
