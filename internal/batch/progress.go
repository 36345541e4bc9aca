package batch

// Estimate computes progress from the job position. Completed counts operations
// strictly before the position; total counts every operation known so far, so
// it grows when operations enqueue more work. The percentage stays at or below
// 99 until the job is finished because the in-flight operation may still add
// to the total.
func Estimate(job *Job) ProgressSnapshot {
	total := job.Total()
	completed := 0
	for i, set := range job.Sets {
		if i < job.Position.Set {
			completed += len(set.Operations)
			continue
		}
		if i == job.Position.Set {
			completed += min(job.Position.Op, len(set.Operations))
		}
		break
	}

	snap := ProgressSnapshot{Completed: completed, Total: total, Message: job.Message}
	if !job.Exhausted() && job.Position.Set >= 0 {
		snap.Title = job.Sets[job.Position.Set].Title
	}

	if job.Status == StatusFinished {
		snap.Percent = 100
		return snap
	}
	if total == 0 {
		return snap
	}
	frac := job.OpFinished
	if frac < 0 || frac >= 1 {
		frac = 0
	}
	pct := int((float64(completed) + frac) * 100 / float64(total))
	snap.Percent = max(0, min(pct, 99))
	return snap
}
