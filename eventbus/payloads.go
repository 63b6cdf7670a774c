package eventbus

import (
	"time"

	"github.com/mkesani1/stockclerk-sub001/model"
)

// StockUpdatedPayload accompanies StockUpdated.
type StockUpdatedPayload struct {
	ProductID string
	SKU       string
	OldStock  int
	NewStock  int
}

// SyncStartedPayload accompanies SyncStarted.
type SyncStartedPayload struct {
	Operation model.SyncOperation
	ProductID string
	Products  int
}

// SyncCompletedPayload accompanies SyncCompleted.
type SyncCompletedPayload struct {
	Operation model.SyncOperation
	ProductID string
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// SyncFailedPayload accompanies SyncFailed.
type SyncFailedPayload struct {
	ProductID string
	ChannelID string
	Error     string
	Retryable bool
}

// DriftPayload accompanies DriftDetected and DriftRepaired. For repairs,
// RepairedChannels lists the channels actually written; a partial failure
// still reports the partial repair.
type DriftPayload struct {
	Detection        model.DriftDetection
	RepairedChannels []string
}

// AlertPayload accompanies AlertTriggered.
type AlertPayload struct {
	Alert model.Alert
}

// ChannelPayload accompanies ChannelConnected and ChannelDisconnected.
type ChannelPayload struct {
	ChannelID   string
	ChannelType model.ChannelType
	Error       string
}
