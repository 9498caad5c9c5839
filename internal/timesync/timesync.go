// SPDX-License-Identifier: MIT

// Package timesync implements the time-sync discipline: the master exposes
// its wall clock over HTTP, slaves poll it and estimate their offset with a
// round-trip midpoint estimator. The resulting classification gates arming.
package timesync

import (
	"time"
)

// Status is the sync classification of a node.
type Status string

const (
	StatusOK     Status = "ok"
	StatusWarn   Status = "warn"
	StatusFail   Status = "fail"
	StatusMaster Status = "master"
)

// ClockResponse is the wire payload of GET /time.
type ClockResponse struct {
	NodeID   string `json:"node_id"`
	IsMaster bool   `json:"is_master"`
	// TRecvNS and TSendNS are the master's wall clock at request receipt
	// and response send, unix nanoseconds.
	TRecvNS int64 `json:"t_recv_ns"`
	TSendNS int64 `json:"t_send_ns"`
}

// Exchange is one completed clock exchange with all four timestamps.
type Exchange struct {
	SlaveSendNS  int64
	SlaveRecvNS  int64
	MasterRecvNS int64
	MasterSendNS int64
}

// OffsetMS estimates the slave clock's offset from the master: positive
// means the master clock is ahead of ours.
func (e Exchange) OffsetMS() float64 {
	masterMid := float64(e.MasterRecvNS+e.MasterSendNS) / 2
	slaveMid := float64(e.SlaveSendNS+e.SlaveRecvNS) / 2
	return (masterMid - slaveMid) / 1e6
}

// RTTMS is the network round-trip excluding the master's processing time.
func (e Exchange) RTTMS() float64 {
	total := e.SlaveRecvNS - e.SlaveSendNS
	processing := e.MasterSendNS - e.MasterRecvNS
	return float64(total-processing) / 1e6
}

// Sample is a classified measurement.
type Sample struct {
	OffsetMS float64   `json:"offset_ms"`
	RTTMS    float64   `json:"rtt_ms"`
	Status   Status    `json:"status"`
	At       time.Time `json:"at"`
}

// Classify applies the tolerance bounds to a raw measurement.
func Classify(offsetMS, rttMS, toleranceMS, rttMaxMS float64) Status {
	abs := offsetMS
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs <= toleranceMS && rttMS <= rttMaxMS:
		return StatusOK
	case abs <= 2*toleranceMS:
		return StatusWarn
	default:
		return StatusFail
	}
}
