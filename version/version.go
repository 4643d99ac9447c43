/***
Copyright 2014 Cisco Systems Inc. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package version carries the build stamp of the agent binary. The values
// are set through -ldflags "-X github.com/contiv/ofagent/version.version=..."

package version

import (
	"fmt"
	"runtime"
)

var (
	gitCommit string
	version   = "devbuild"
	buildTime string
)

// Info is the build information of the running binary
type Info struct {
	GitCommit string `json:"git-commit"`
	Version   string `json:"version"`
	BuildTime string `json:"build-time"`
	GoVersion string `json:"go-version"`
}

// Get returns the build information
func Get() *Info {
	return &Info{
		GitCommit: gitCommit,
		Version:   version,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
	}
}

// String formats the build information one field per line
func String() string {
	ver := Get()
	return fmt.Sprintf("Version: %s\nGitCommit: %s\nBuildTime: %s\nGoVersion: %s\n",
		ver.Version, ver.GitCommit, ver.BuildTime, ver.GoVersion)
}
