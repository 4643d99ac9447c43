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

import (
	"github.com/ovn-kubernetes/libovsdb/model"
)

// OpenvSwitch is the root row of the database
type OpenvSwitch struct {
	UUID    string   `ovsdb:"_uuid"`
	Bridges []string `ovsdb:"bridges"`
}

// Bridge is a row of the Bridge table, reduced to the columns the agent uses
type Bridge struct {
	UUID       string   `ovsdb:"_uuid"`
	Name       string   `ovsdb:"name"`
	Ports      []string `ovsdb:"ports"`
	Controller []string `ovsdb:"controller"`
	Protocols  []string `ovsdb:"protocols"`
	FailMode   *string  `ovsdb:"fail_mode"`
}

// Port is a row of the Port table
type Port struct {
	UUID       string   `ovsdb:"_uuid"`
	Name       string   `ovsdb:"name"`
	Interfaces []string `ovsdb:"interfaces"`
	Tag        *int     `ovsdb:"tag"`
}

// Interface is a row of the Interface table
type Interface struct {
	UUID        string            `ovsdb:"_uuid"`
	Name        string            `ovsdb:"name"`
	Type        string            `ovsdb:"type"`
	Options     map[string]string `ovsdb:"options"`
	ExternalIDs map[string]string `ovsdb:"external_ids"`
	Ofport      *int              `ovsdb:"ofport"`
	MACInUse    *string           `ovsdb:"mac_in_use"`
}

// Controller is a row of the Controller table
type Controller struct {
	UUID   string `ovsdb:"_uuid"`
	Target string `ovsdb:"target"`
}

func newClientDBModel() (model.ClientDBModel, error) {
	return model.NewClientDBModel(ovsDataBase, map[string]model.Model{
		rootTable:       &OpenvSwitch{},
		bridgeTable:     &Bridge{},
		portTable:       &Port{},
		interfaceTable:  &Interface{},
		controllerTable: &Controller{},
	})
}
