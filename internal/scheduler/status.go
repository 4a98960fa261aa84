package scheduler

// StatusInfo is the scheduler's control-surface snapshot.
type StatusInfo struct {
	Running             bool    `json:"running"`
	PendingCount        int     `json:"pending_tasks_count"`
	CompletedCount      int     `json:"completed_tasks_count"`
	FailedCount         int     `json:"failed_tasks_count"`
	TotalExecuted       int     `json:"total_tasks_executed"`
	AvgExecutionSeconds float64 `json:"avg_execution_time_seconds"`
	MaxExecutionSeconds float64 `json:"max_execution_time_seconds"`
	MinExecutionSeconds float64 `json:"min_execution_time_seconds"`
}

func (s *Scheduler) StatusInfo() StatusInfo {
	pending, completed, failed := s.tasks.Counts()

	info := StatusInfo{
		Running:        s.Running(),
		PendingCount:   pending,
		CompletedCount: completed,
		FailedCount:    failed,
	}

	s.emu.Lock()
	defer s.emu.Unlock()
	info.TotalExecuted = len(s.execTimes)
	if len(s.execTimes) == 0 {
		return info
	}
	first := true
	var total float64
	for _, d := range s.execTimes {
		sec := d.Seconds()
		total += sec
		if first {
			info.MaxExecutionSeconds = sec
			info.MinExecutionSeconds = sec
			first = false
			continue
		}
		if sec > info.MaxExecutionSeconds {
			info.MaxExecutionSeconds = sec
		}
		if sec < info.MinExecutionSeconds {
			info.MinExecutionSeconds = sec
		}
	}
	info.AvgExecutionSeconds = total / float64(len(s.execTimes))
	return info
}
