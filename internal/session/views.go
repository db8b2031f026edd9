// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/errclass"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/model"
	"github.com/ferg-cod3s/opencode-nexus-sub007/internal/observe"
)

// Views is the read-only state exposed to presentation layers. Every value
// published is a copy; subscribers may keep it.
//
// Callbacks run synchronously while the Coordinator publishes. They may read
// from the Coordinator but must not call its actions.
type Views struct {
	Sessions           *observe.Value[[]*model.Session]
	ActiveSession      *observe.Value[*model.Session]
	IsOnline           *observe.Value[bool]
	HasQueuedMessages  *observe.Value[bool]
	QueuedMessageCount *observe.Value[int]
	LastError          *observe.Value[*errclass.ClassifiedError]
	// Retrying is true while a delivery is waiting to try again
	Retrying *observe.Value[bool]
}

func newViews(online bool, queued int) *Views {
	return &Views{
		Sessions:           observe.NewValue[[]*model.Session](nil),
		ActiveSession:      observe.NewValue[*model.Session](nil),
		IsOnline:           observe.NewValue(online),
		HasQueuedMessages:  observe.NewValue(queued > 0),
		QueuedMessageCount: observe.NewValue(queued),
		LastError:          observe.NewValue[*errclass.ClassifiedError](nil),
		Retrying:           observe.NewValue(false),
	}
}
