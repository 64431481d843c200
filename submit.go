package gearman

import "time"

// SubmitOption configures one submission; AddTask/AddReducerTask apply
// these before the Task is registered.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	uniqueId   string
	priority   Priority
	background bool
	epoch      *int64
	schedule   *time.Time
	context    interface{}
	callbacks  TaskCallbacks
	haveCB     bool
}

// WithUniqueId supplies a caller-chosen unique id instead of a generated
// UUID. It must be no more than 64 bytes.
func WithUniqueId(id string) SubmitOption {
	return func(s *submitConfig) { s.uniqueId = id }
}

// WithPriority selects the HIGH/NORMAL/LOW submit queue. It has no effect
// on a reducer submission, which the protocol exposes only as a single
// priority (an accepted-but-ignored parameter per the original client).
func WithPriority(p Priority) SubmitOption {
	return func(s *submitConfig) { s.priority = p }
}

// WithBackground marks the job as fire-and-forget: the Task reaches its
// terminal CREATED state at JOB_CREATED and never receives WORK_* updates.
func WithBackground() SubmitOption {
	return func(s *submitConfig) { s.background = true }
}

// WithEpoch submits the job for execution at the given Unix time instead
// of immediately (SUBMIT_JOB_EPOCH). Epoch jobs are always background:
// the server schedules them, it does not stream work back.
func WithEpoch(when time.Time) SubmitOption {
	return func(s *submitConfig) {
		t := when.Unix()
		s.epoch = &t
	}
}

// WithSchedule submits the job on the cron-style recurring schedule
// SUBMIT_JOB_SCHED encodes.
func WithSchedule(sched time.Time) SubmitOption {
	return func(s *submitConfig) { s.schedule = &sched }
}

// WithContext attaches an opaque value to the Task, retrievable from the
// Task and passed to the Client's task-context free function.
func WithContext(ctx interface{}) SubmitOption {
	return func(s *submitConfig) { s.context = ctx }
}

// WithTaskCallbacks overrides the Client's default TaskCallbacks for this
// one submission.
func WithTaskCallbacks(cb TaskCallbacks) SubmitOption {
	return func(s *submitConfig) { s.callbacks = cb; s.haveCB = true }
}

// AddTask registers a job for later submission: the Task is assigned a
// connection and actually sent when RunTasks next runs. A validation
// failure here — an empty function name, a unique id over 64 bytes, or
// both WithEpoch and WithSchedule — returns InvalidArgument without
// registering anything, as does a call on a degraded Client.
func (c *Client) AddTask(funcName string, workload []byte, opts ...SubmitOption) (*Task, error) {
	if c.degraded {
		return nil, newError(InvalidArgument, "client is degraded, new submissions are refused")
	}
	if funcName == "" {
		return nil, newError(InvalidArgument, "function name must not be empty")
	}

	var cfg submitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	uid, err := resolveUniqueId(cfg.uniqueId)
	if err != nil {
		return nil, err
	}

	pt, err := submitPacketType(cfg.priority, cfg.background, cfg.epoch, cfg.schedule)
	if err != nil {
		return nil, err
	}

	t := &Task{
		Type:     pt,
		FuncName: funcName,
		UniqueId: uid,
		Workload: workload,
		Priority: cfg.priority,
		When:     cfg.epoch,
		Schedule: cfg.schedule,
		Context:  cfg.context,
		client:   c,
		state:    TaskNew,
	}
	if cfg.haveCB {
		t.callbacks = cfg.callbacks
	} else {
		t.callbacks = c.defaultCallbacks
	}

	c.register(t)
	return t, nil
}

// AddReducerTask registers a map/reduce job: workload is
// distributed to funcName, its partial results aggregated by reducerName.
// The protocol's reduce commands accept no priority or scheduling
// variants, so WithPriority/WithEpoch/WithSchedule are silently ignored
// here (see Open Question in the project's design notes).
func (c *Client) AddReducerTask(funcName, reducerName string, workload []byte, opts ...SubmitOption) (*Task, error) {
	if c.degraded {
		return nil, newError(InvalidArgument, "client is degraded, new submissions are refused")
	}
	if funcName == "" || reducerName == "" {
		return nil, newError(InvalidArgument, "reducer submission requires both a function and a reducer name")
	}
	if len(workload) == 0 {
		return nil, newError(InvalidArgument, "reducer submission requires a non-empty workload")
	}

	var cfg submitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	uid, err := resolveUniqueId(cfg.uniqueId)
	if err != nil {
		return nil, err
	}

	pt := PtSubmitReduceJob
	if cfg.background {
		pt = PtSubmitReduceJobBg
	}

	t := &Task{
		Type:     pt,
		FuncName: funcName,
		Reducer:  reducerName,
		UniqueId: uid,
		Workload: workload,
		Context:  cfg.context,
		client:   c,
		state:    TaskNew,
	}
	if cfg.haveCB {
		t.callbacks = cfg.callbacks
	} else {
		t.callbacks = c.defaultCallbacks
	}

	c.register(t)
	return t, nil
}

func submitPacketType(p Priority, background bool, epoch *int64, schedule *time.Time) (PacketType, error) {
	switch {
	case epoch != nil && schedule != nil:
		return 0, newError(InvalidArgument, "a task cannot be both epoch- and schedule-submitted")
	case epoch != nil:
		return PtSubmitJobEpoch, nil
	case schedule != nil:
		return PtSubmitJobSched, nil
	case background:
		switch p {
		case PriorityHigh:
			return PtSubmitJobHighBg, nil
		case PriorityLow:
			return PtSubmitJobLowBg, nil
		default:
			return PtSubmitJobBg, nil
		}
	default:
		switch p {
		case PriorityHigh:
			return PtSubmitJobHigh, nil
		case PriorityLow:
			return PtSubmitJobLow, nil
		default:
			return PtSubmitJob, nil
		}
	}
}
