package gearman

import (
	"bytes"
	"time"
)

// TaskState is the per-task state machine.
type TaskState int

const (
	TaskNew TaskState = iota
	TaskSubmit
	TaskWaitJobCreated
	TaskWorking
	TaskComplete
	TaskFail
	TaskException
	TaskCreated // terminal state for background tasks
)

func (s TaskState) String() string {
	switch s {
	case TaskNew:
		return "new"
	case TaskSubmit:
		return "submit"
	case TaskWaitJobCreated:
		return "wait_job_created"
	case TaskWorking:
		return "working"
	case TaskComplete:
		return "complete"
	case TaskFail:
		return "fail"
	case TaskException:
		return "exception"
	case TaskCreated:
		return "created"
	default:
		return "unknown"
	}
}

func (s TaskState) terminal() bool {
	switch s {
	case TaskComplete, TaskFail, TaskException, TaskCreated:
		return true
	default:
		return false
	}
}

// TaskCallback is invoked synchronously, on the goroutine that called
// RunTasks/Wait, for every packet the engine routes to a Task. An error
// it returns is recorded on the Task and stops further callbacks from
// firing for that Task, without affecting other Tasks.
type TaskCallback func(t *Task, pkt *Packet) error

// TaskCallbacks is the capability record a submission attaches to a
// Task: optional handlers per event, in place of the original client
// library's free-form function-pointer table.
type TaskCallbacks struct {
	OnComplete  TaskCallback
	OnFail      TaskCallback
	OnException TaskCallback
	OnWarning   TaskCallback
	OnData      TaskCallback
	OnStatus    TaskCallback
}

// Task is a single submission's state, buffers, and callback set.
type Task struct {
	Type     PacketType
	FuncName string
	UniqueId string
	Workload []byte
	Reducer  string
	Priority Priority
	When     *int64
	Schedule *time.Time

	Handle string

	Context interface{}

	callbacks TaskCallbacks

	client *Client    // weak: Task does not keep the Client alive
	conn   *Connection // connection this task's request was sent on

	state     TaskState
	sendInUse bool

	result    bytes.Buffer
	exception []byte

	numerator   uint32
	denominator uint32

	lastErr error
}

// Priority selects which of the three submit-queue priorities a task's
// command kind encodes.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

// IsBackground reports whether this Task's command kind is a background
// submission, which terminates at CREATED instead of awaiting WORK_*.
func (t *Task) IsBackground() bool {
	switch t.Type {
	case PtSubmitJobBg, PtSubmitJobHighBg, PtSubmitJobLowBg, PtSubmitReduceJobBg,
		PtSubmitJobEpoch, PtSubmitJobSched:
		return true
	default:
		return false
	}
}

func (t *Task) State() TaskState { return t.state }

func (t *Task) IsTerminal() bool { return t.state.terminal() }

// Result returns the task's accumulated result buffer. It is only
// meaningful once the task has reached COMPLETE.
func (t *Task) Result() []byte { return t.result.Bytes() }

// Exception returns the message carried by a WORK_EXCEPTION that
// terminated this task (only set when exceptions are enabled on the
// owning Client).
func (t *Task) Exception() []byte { return t.exception }

// Progress returns the numerator/denominator of the most recent
// WORK_STATUS packet.
func (t *Task) Progress() (numerator, denominator uint32) {
	return t.numerator, t.denominator
}

func (t *Task) Err() error { return t.lastErr }

func (t *Task) SendInUse() bool { return t.sendInUse }

// buildRequest constructs the wire packet for this task's initial
// submission, per the fixed argument layout for its command kind.
// Namespace prefixing of function/reducer names is applied by the
// caller (the Client, which owns the namespace).
func (t *Task) buildRequest(funcName, reducerName string) (*Packet, error) {
	pkt := NewPacket(t.Type)

	if err := pkt.SetFuncName(funcName); err != nil {
		return nil, err
	}
	if err := pkt.SetUniqueId(t.UniqueId); err != nil {
		return nil, err
	}

	switch t.Type {
	case PtSubmitJobEpoch:
		if t.When == nil {
			return nil, newError(InvalidArgument, "epoch submission requires a when value")
		}
		if err := pkt.SetEpoch(*t.When); err != nil {
			return nil, err
		}
		if err := pkt.SetWorkload(t.Workload); err != nil {
			return nil, err
		}
	case PtSubmitJobSched:
		if t.Schedule == nil {
			return nil, newError(InvalidArgument, "scheduled submission requires a schedule")
		}
		if err := pkt.SetSchedule(*t.Schedule); err != nil {
			return nil, err
		}
		if err := pkt.SetWorkload(t.Workload); err != nil {
			return nil, err
		}
	case PtSubmitReduceJob, PtSubmitReduceJobBg:
		if err := pkt.SetReducer(reducerName); err != nil {
			return nil, err
		}
		if err := pkt.SetAggregate(); err != nil {
			return nil, err
		}
		if err := pkt.SetWorkload(t.Workload); err != nil {
			return nil, err
		}
	default:
		if err := pkt.SetWorkload(t.Workload); err != nil {
			return nil, err
		}
	}

	return pkt, nil
}

// apply advances the task's state machine in response to one inbound
// packet, invoking the matching callback synchronously. It is a no-op
// once the task is terminal. The returned error, if any, is what the
// callback itself returned — the engine records it and stops delivering
// further callbacks to this task.
func (t *Task) apply(pkt *Packet, exceptionsEnabled, unbufferedResult bool) error {
	if t.state.terminal() {
		return nil
	}

	var cb TaskCallback

	switch pkt.Type {
	case PtJobCreated:
		handle, _ := pkt.GetHandle()
		t.Handle = handle
		t.sendInUse = false
		if t.IsBackground() {
			t.state = TaskCreated
		} else {
			t.state = TaskWorking
		}

	case PtWorkStatus:
		num, _ := pkt.GetPercentNumerator()
		den, _ := pkt.GetPercentDenominator()
		t.numerator, t.denominator = num, den
		cb = t.callbacks.OnStatus

	case PtWorkData:
		t.appendOrDeliver(pkt, unbufferedResult)
		cb = t.callbacks.OnData

	case PtWorkWarning:
		t.appendOrDeliver(pkt, unbufferedResult)
		cb = t.callbacks.OnWarning

	case PtWorkComplete:
		data, _ := pkt.GetData()
		t.result.Write(data)
		t.state = TaskComplete
		t.sendInUse = false
		cb = t.callbacks.OnComplete

	case PtWorkFail:
		t.state = TaskFail
		t.sendInUse = false
		cb = t.callbacks.OnFail

	case PtWorkException:
		if exceptionsEnabled {
			data, _ := pkt.GetData()
			t.exception = data
			t.state = TaskException
			t.sendInUse = false
			cb = t.callbacks.OnException
		} else {
			t.appendOrDeliver(pkt, unbufferedResult)
			cb = t.callbacks.OnData
		}

	default:
		return nil
	}

	if cb == nil || t.lastErr != nil {
		return nil
	}

	if err := cb(t, pkt); err != nil {
		t.lastErr = err
		return err
	}
	return nil
}

func (t *Task) appendOrDeliver(pkt *Packet, unbufferedResult bool) {
	if unbufferedResult {
		return
	}
	data, err := pkt.GetData()
	if err == nil {
		t.result.Write(data)
	}
}

// fail transitions the task straight to FAIL with the given cause,
// without a WORK_FAIL packet — used for LostConnection and similar
// transport-level failures.
func (t *Task) fail(err error) {
	if t.state.terminal() {
		return
	}
	callbackFailed := t.lastErr != nil
	t.state = TaskFail
	t.sendInUse = false
	t.lastErr = err
	if t.callbacks.OnFail != nil && !callbackFailed {
		t.callbacks.OnFail(t, nil)
	}
}
