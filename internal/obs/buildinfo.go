package obs

// SetBuildInfo publishes lexdesk_build_info{version,commit} 1.
func (m *Metrics) SetBuildInfo(version, commit string) {
	m.buildInfo.Reset()
	m.buildInfo.WithLabelValues(version, commit).Set(1)
}
