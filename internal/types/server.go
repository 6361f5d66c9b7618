/*
 * Copyright 2025 Alexandre Mahdhaoui
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */
package types

import (
	"net"
)

// ServerEndpoint is a backend server reachable behind the virtual address.
//
// Weights across all endpoints are expected to sum up to 1.0. This is not
// enforced.
type ServerEndpoint struct {
	IP      net.IP
	MacAddr net.HardwareAddr
	Weight  float64
	// Port the switch outputs dispatched packets to. PortNormal lets the
	// switch forward them with its regular L2 pipeline.
	Port uint32
}

// VirtualEndpoint is the identity clients address.
type VirtualEndpoint struct {
	IP      net.IP
	MacAddr net.HardwareAddr
}
