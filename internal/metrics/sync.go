package metrics

import "time"

// SetConnectionState records the connection state ordinal
func (m *Metrics) SetConnectionState(state int) {
	m.safeExecute("SetConnectionState", func() {
		m.ConnectionState.Set(float64(state))
	})
}

// IncrementReconnectAttempt counts one reconnect attempt
func (m *Metrics) IncrementReconnectAttempt() {
	m.safeExecute("IncrementReconnectAttempt", func() {
		m.ReconnectAttemptsTotal.Inc()
	})
}

// IncrementReconnectExhausted counts a retry budget running out
func (m *Metrics) IncrementReconnectExhausted() {
	m.safeExecute("IncrementReconnectExhausted", func() {
		m.ReconnectExhausted.Inc()
	})
}

// IncrementEmitDropped counts an outbound event dropped while disconnected
func (m *Metrics) IncrementEmitDropped(event string) {
	m.safeExecute("IncrementEmitDropped", func() {
		m.EmitsDroppedTotal.WithLabelValues(event).Inc()
	})
}

// IncrementRemoteEvent counts a routed remote event
func (m *Metrics) IncrementRemoteEvent(entityType, kind string) {
	m.safeExecute("IncrementRemoteEvent", func() {
		m.RemoteEventsTotal.WithLabelValues(entityType, kind).Inc()
	})
}

// SetPendingActions sets the number of unresolved optimistic actions
func (m *Metrics) SetPendingActions(count int) {
	m.safeExecute("SetPendingActions", func() {
		m.PendingActions.Set(float64(count))
	})
}

// RecordActionResolution counts a resolved action. result is success or failure.
func (m *Metrics) RecordActionResolution(kind, result string) {
	m.safeExecute("RecordActionResolution", func() {
		m.ActionResolutionsTotal.WithLabelValues(kind, result).Inc()
	})
}

// RecordPersist records one debounced persist call
func (m *Metrics) RecordPersist(duration time.Duration, err error) {
	m.safeExecute("RecordPersist", func() {
		result := "success"
		if err != nil {
			result = "failure"
		}
		m.PersistCallsTotal.WithLabelValues(result).Inc()
		m.PersistDuration.Observe(duration.Seconds())
	})
}

// IncrementPersistCoalesced counts a schedule call superseded by a later one
func (m *Metrics) IncrementPersistCoalesced() {
	m.safeExecute("IncrementPersistCoalesced", func() {
		m.PersistCoalescedTotal.Inc()
	})
}
