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

package agent

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/contiv/ofagent/core"
	"github.com/contiv/ofagent/utils"
)

// PortUpdateRequest is the body of a port_update notification
type PortUpdateRequest struct {
	PortID string `json:"port_id"`
}

// NetworkDeleteRequest is the body of a network_delete notification
type NetworkDeleteRequest struct {
	NetworkID string `json:"network_id"`
}

// TunnelUpdateRequest is the body of a tunnel_update notification
type TunnelUpdateRequest struct {
	TunnelIP   string           `json:"tunnel_ip"`
	TunnelType core.NetworkType `json:"tunnel_type"`
}

// NotificationResponse acknowledges a queued notification
type NotificationResponse struct {
	Queued bool `json:"queued"`
}

var queued = &NotificationResponse{Queued: true}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return core.Errorf("invalid request body. Err: %v", err)
	}
	return nil
}

func (ag *Agent) portUpdateHandler(w http.ResponseWriter, r *http.Request, vars map[string]string) (interface{}, error) {
	req := &PortUpdateRequest{}
	if err := decodeBody(r, req); err != nil {
		return nil, err
	}
	if req.PortID == "" {
		return nil, core.Errorf("port_update without port_id")
	}
	ag.PortUpdate(req.PortID)
	return queued, nil
}

func (ag *Agent) networkDeleteHandler(w http.ResponseWriter, r *http.Request, vars map[string]string) (interface{}, error) {
	req := &NetworkDeleteRequest{}
	if err := decodeBody(r, req); err != nil {
		return nil, err
	}
	if req.NetworkID == "" {
		return nil, core.Errorf("network_delete without network_id")
	}
	ag.NetworkDelete(req.NetworkID)
	return queued, nil
}

func (ag *Agent) tunnelUpdateHandler(w http.ResponseWriter, r *http.Request, vars map[string]string) (interface{}, error) {
	req := &TunnelUpdateRequest{}
	if err := decodeBody(r, req); err != nil {
		return nil, err
	}
	ag.TunnelUpdate(req.TunnelIP, req.TunnelType)
	return queued, nil
}

func (ag *Agent) fdbUpdateHandler(w http.ResponseWriter, r *http.Request, vars map[string]string) (interface{}, error) {
	update := &core.FdbUpdate{}
	if err := decodeBody(r, update); err != nil {
		return nil, err
	}
	if err := ag.FdbUpdate(update); err != nil {
		return nil, err
	}
	return queued, nil
}

func (ag *Agent) inspectHandler(w http.ResponseWriter, r *http.Request, vars map[string]string) (interface{}, error) {
	return ag.Inspect(), nil
}

// Router returns the routes of the notification server
func (ag *Agent) Router() *mux.Router {
	router := mux.NewRouter()

	// controller notifications
	s := router.Methods("POST").Subrouter()
	s.HandleFunc("/port_update", utils.MakeHTTPHandler(ag.portUpdateHandler))
	s.HandleFunc("/network_delete", utils.MakeHTTPHandler(ag.networkDeleteHandler))
	s.HandleFunc("/tunnel_update", utils.MakeHTTPHandler(ag.tunnelUpdateHandler))
	s.HandleFunc("/fdb_update", utils.MakeHTTPHandler(ag.fdbUpdateHandler))

	s = router.Methods("GET").Subrouter()
	s.HandleFunc("/inspect/agent", utils.MakeHTTPHandler(ag.inspectHandler))
	s.Handle("/metrics", ag.metrics.handler())

	router.NotFoundHandler = http.HandlerFunc(utils.UnknownAction)
	return router
}

// ServeRequests starts the notification server on listenURL
func (ag *Agent) ServeRequests(listenURL string) (*http.Server, error) {
	listener, err := net.Listen("tcp", listenURL)
	if err != nil {
		return nil, err
	}

	server := &http.Server{Handler: ag.Router()}
	log.Infof("Agent listening on %s", listenURL)
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Errorf("Notification server stopped. Err: %v", err)
		}
	}()
	return server, nil
}
