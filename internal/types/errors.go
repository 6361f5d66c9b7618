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

import "errors"

var ErrNotFound = errors.New("not found")

var ( // Runnable
	ErrAlreadyClosed                   = errors.New("trying to close an already closed interface")
	ErrAlreadyRunning                  = errors.New("trying to run an already running interface")
	ErrCannotRunClosedRunnable         = errors.New("cannot run a closed runnable")
	ErrRunnableMustBeRunningToBeClosed = errors.New("runnable must be running to be closed")
)

var ( // Config
	ErrInvalidConfig              = errors.New("invalid config")
	ErrAtLeastOneServerIsRequired = errors.New("at least one server is required")
	ErrServerWeightMustBePositive = errors.New("server weight must be strictly positive")
	ErrInvalidIPv4                = errors.New("ip must be a valid ipv4 address")
	ErrInvalidSubnet              = errors.New("subnet must be a valid ipv4 cidr")
	ErrSubnetTooSmall             = errors.New("subnet must hold at least one address per server")
	ErrUnknownRebalancePolicy     = errors.New("unknown rebalance policy")
	ErrIntervalMustBePositive     = errors.New("rebalance interval must be positive")
	ErrShiftFractionOutOfBounds   = errors.New("maxShiftFraction must be in (0, 0.5]")
	ErrOverloadFactorOutOfBounds  = errors.New("overloadFactor must be greater than 1")
	ErrCannotResolveHardwareAddr  = errors.New("cannot resolve hardware address")
	ErrReadingConfig              = errors.New("reading config")
)
