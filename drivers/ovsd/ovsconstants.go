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

package ovsd

import "time"

const (
	ovsDataBase     = "Open_vSwitch"
	rootTable       = "Open_vSwitch"
	bridgeTable     = "Bridge"
	portTable       = "Port"
	interfaceTable  = "Interface"
	controllerTable = "Controller"

	// external ids the virtualization layer sets on vif interfaces
	ifaceIDKey      = "iface-id"
	attachedMACKey  = "attached-mac"
	openflowVersion = "OpenFlow13"
	failModeSecure  = "secure"

	ofportRetryInterval = 300 * time.Millisecond
	canaryReplyTimeout  = 5 * time.Second
	connectTimeout      = 30 * time.Second
)

// Max number of retries to get ofp port number
const maxOfportRetry = 20
