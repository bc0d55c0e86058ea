package metrics

// SetConnectedPeers sets the number of peers on one transport
func (m *Metrics) SetConnectedPeers(transport string, count int) {
	m.safeExecute("SetConnectedPeers", func() {
		m.ConnectedPeers.WithLabelValues(transport).Set(float64(count))
	})
}

// SetRoomsActive sets the number of non-empty rooms
func (m *Metrics) SetRoomsActive(count int) {
	m.safeExecute("SetRoomsActive", func() {
		m.RoomsActive.Set(float64(count))
	})
}

// IncrementRelayedEvent counts one rebroadcast event
func (m *Metrics) IncrementRelayedEvent(event string) {
	m.safeExecute("IncrementRelayedEvent", func() {
		m.RelayedEventsTotal.WithLabelValues(event).Inc()
	})
}
