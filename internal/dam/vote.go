package dam

// outputVote is the vote of output k: high while it drains history, or in
// batch mode while a long batch is pending.
func (i *Instance) outputVote(k int) uint32 {
	o := &i.outputs[k]
	if o.id == 0 || !o.open || !o.started || !o.gateOpen || o.reader == nil {
		return VoteLow
	}
	if b := o.reader.Batch(); b.Streaming {
		if b.PeriodUs > batchVoteThresholdUs && b.PendingBytes > 0 {
			return VoteHigh
		}
		return VoteLow
	}
	if o.backlogUs > 0 {
		return VoteHigh
	}
	return VoteLow
}

// updateVote recomputes the aggregate vote and publishes it on change.
func (i *Instance) updateVote() {
	vote := VoteLow
	for k := range i.outputs {
		vote = max(vote, i.outputVote(k))
	}
	if vote == i.vote {
		return
	}
	prev := i.vote
	i.vote = vote
	i.events.ComputeVote(vote)
	i.metrics.RecordComputeVote(bg, i.id, prev, vote)
	i.log.Debug("compute vote changed", "kpps", vote)
}
