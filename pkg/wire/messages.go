/*
SPDX-FileCopyrightText: Copyright (c) 2026 NVIDIA CORPORATION & AFFILIATES. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package wire

import (
	"time"

	"go.corp.nvidia.com/longshore/pkg/cluster"
)

/////////////////////////////////////////////////////
// Server → client frames
/////////////////////////////////////////////////////

func ConnectedMessage(connectionID string, requiresAuth bool) *Message {
	return MustNew(TypeConnected, &ConnectedPayload{
		ConnectionID: connectionID,
		RequiresAuth: requiresAuth,
	})
}

func AuthenticatedMessage(userID string, roles []string) *Message {
	return MustNew(TypeAuthenticated, &AuthenticatedPayload{
		UserID: userID,
		Roles:  roles,
	})
}

func AuthErrorMessage(code ErrorCode, message string) *Message {
	return MustNew(TypeAuthError, &ErrorPayload{Code: code, Message: message})
}

func DisconnectMessage(reason string) *Message {
	return MustNew(TypeDisconnect, &DisconnectPayload{Reason: reason})
}

func DeployMessage(payload *DeployPayload) *Message {
	return MustNew(TypePodDeploy, payload).WithCorrelation(NewCorrelationID())
}

func StopMessage(podID string, reason cluster.TerminationReason, message string) *Message {
	return MustNew(TypePodStop, &StopPayload{
		PodID:   podID,
		Reason:  reason,
		Message: message,
	}).WithCorrelation(NewCorrelationID())
}

/////////////////////////////////////////////////////
// Client → server frames
/////////////////////////////////////////////////////

func PingMessage(now time.Time) *Message {
	return MustNew(TypePing, &PingPayload{Timestamp: now})
}

func PongMessage(now time.Time) *Message {
	return MustNew(TypePong, &PingPayload{Timestamp: now})
}

func AuthenticateMessage(token string) *Message {
	return MustNew(TypeAuthenticate, &AuthenticatePayload{Token: token}).
		WithCorrelation(NewCorrelationID())
}

func RegisterMessage(payload *RegisterPayload) *Message {
	return MustNew(TypeNodeRegister, payload).WithCorrelation(NewCorrelationID())
}

func ReconnectMessage(nodeID string) *Message {
	return MustNew(TypeNodeReconnect, &ReconnectPayload{NodeID: nodeID}).
		WithCorrelation(NewCorrelationID())
}

func HeartbeatMessage(payload *HeartbeatPayload) *Message {
	return MustNew(TypeNodeHeartbeat, payload).WithCorrelation(NewCorrelationID())
}

func StatusUpdateMessage(payload *StatusUpdatePayload) *Message {
	return MustNew(TypePodStatusUpdate, payload)
}

func NodeMetricsMessage(payload *NodeMetricsPayload) *Message {
	return MustNew(TypeNodeMetrics, payload)
}
