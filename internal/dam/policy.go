package dam

// Affinity says whether a port takes part in a trigger.
type Affinity int

const (
	AffinityNone Affinity = iota
	AffinityPresent
)

// NonTriggerPolicy governs an output that is not part of a trigger.
type NonTriggerPolicy int

const (
	NonTriggerInvalid NonTriggerPolicy = iota
	// NonTriggerBlocked keeps the scheduler from running the node for this
	// output alone.
	NonTriggerBlocked
)

// TriggerPolicy is one trigger snapshot, indexed by host port index.
type TriggerPolicy struct {
	Inputs     []Affinity
	Outputs    []Affinity
	NonTrigger []NonTriggerPolicy
}

func newTriggerPolicy(maxIn, maxOut int) TriggerPolicy {
	return TriggerPolicy{
		Inputs:     make([]Affinity, maxIn),
		Outputs:    make([]Affinity, maxOut),
		NonTrigger: make([]NonTriggerPolicy, maxOut),
	}
}

// PolicyMode is the trigger policy mode announced with an update.
type PolicyMode int

const (
	PolicyMandatory PolicyMode = iota
	PolicyOptional
)

// PolicyUpdate is one push to the scheduler. A nil Policy restores the
// default policy. The pointed-to snapshot stays owned by the instance and
// reflects later affinity changes.
type PolicyUpdate struct {
	Mode   PolicyMode
	Groups int
	Policy *TriggerPolicy
}

// PolicyNotifier receives trigger-policy pushes from the instance.
type PolicyNotifier interface {
	SignalTriggerPolicy(PolicyUpdate)
	DataTriggerPolicy(PolicyUpdate)
}

// SetPolicyNotifier installs the scheduler callbacks and publishes the
// current need if it differs from what was last pushed.
func (i *Instance) SetPolicyNotifier(n PolicyNotifier) {
	i.notifier = n
	i.evaluatePolicy()
}

// PolicyEnabled reports whether the custom trigger policy is published.
func (i *Instance) PolicyEnabled() bool { return i.tpEnabled }

// SignalPolicy returns the signal-trigger snapshot.
func (i *Instance) SignalPolicy() *TriggerPolicy { return &i.signal }

// DataPolicy returns the data-trigger snapshot.
func (i *Instance) DataPolicy() *TriggerPolicy { return &i.data }

func (i *Instance) setInputAffinity(index int, a Affinity) {
	i.signal.Inputs[index] = a
	i.data.Inputs[index] = a
}

func (i *Instance) setOutputAffinity(index int, a Affinity, nt NonTriggerPolicy) {
	i.signal.Outputs[index] = a
	i.signal.NonTrigger[index] = nt
	i.data.Outputs[index] = a
	i.data.NonTrigger[index] = nt
}

// evaluatePolicy pushes to the scheduler only when the aggregate need
// changes. The policy is needed while any gate is open or once a detector
// peer has latched cannotRevert.
func (i *Instance) evaluatePolicy() {
	need := i.cannotRevert
	for k := range i.outputs {
		if o := &i.outputs[k]; o.id != 0 && o.gateOpen {
			need = true
			break
		}
	}
	if need == i.tpEnabled || i.notifier == nil {
		return
	}

	if need {
		i.notifier.DataTriggerPolicy(PolicyUpdate{Mode: PolicyOptional, Groups: 1, Policy: &i.data})
		i.notifier.SignalTriggerPolicy(PolicyUpdate{Mode: PolicyOptional, Groups: 1, Policy: &i.signal})
	} else {
		i.notifier.DataTriggerPolicy(PolicyUpdate{Mode: PolicyOptional})
		i.notifier.SignalTriggerPolicy(PolicyUpdate{Mode: PolicyOptional})
	}
	i.tpEnabled = need
	i.metrics.RecordPolicyPush(bg, i.id, need)
	i.log.Debug("trigger policy pushed", "enabled", need)
}
