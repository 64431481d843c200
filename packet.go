package gearman

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// PacketType is the Gearman command tag carried in every frame header.
type PacketType uint32

const (
	PtCanDo PacketType = iota + 1
	PtCantDo
	PtResetAbilities
	PtPreSleep
	_
	PtNoop
	PtSubmitJob
	PtJobCreated
	PtGrabJob
	PtNoJob
	PtJobAssign
	PtWorkStatus
	PtWorkComplete
	PtWorkFail
	PtGetStatus
	PtEchoReq
	PtEchoRes
	PtSubmitJobBg
	PtError
	PtStatusRes
	PtSubmitJobHigh
	PtSetClientId
	PtCanDoTimeout
	PtAllYours
	PtWorkException
	PtOptionReq
	PtOptionRes
	PtWorkData
	PtWorkWarning
	PtGrabJobUnique
	PtJobAssignUnique
	PtSubmitJobHighBg
	PtSubmitJobLow
	PtSubmitJobLowBg
	PtSubmitJobSched
	PtSubmitJobEpoch
	PtSubmitReduceJob
	PtSubmitReduceJobBg
	PtGrabJobAll
	PtJobAssignAll
	PtGetStatusUnique
	PtStatusResUnique
)

var packetTypeNames = map[PacketType]string{
	PtCanDo:             "CAN_DO",
	PtCantDo:            "CANT_DO",
	PtResetAbilities:    "RESET_ABILITIES",
	PtPreSleep:          "PRE_SLEEP",
	PtNoop:              "NOOP",
	PtSubmitJob:         "SUBMIT_JOB",
	PtJobCreated:        "JOB_CREATED",
	PtGrabJob:           "GRAB_JOB",
	PtNoJob:             "NO_JOB",
	PtJobAssign:         "JOB_ASSIGN",
	PtWorkStatus:        "WORK_STATUS",
	PtWorkComplete:      "WORK_COMPLETE",
	PtWorkFail:          "WORK_FAIL",
	PtGetStatus:         "GET_STATUS",
	PtEchoReq:           "ECHO_REQ",
	PtEchoRes:           "ECHO_RES",
	PtSubmitJobBg:       "SUBMIT_JOB_BG",
	PtError:             "ERROR",
	PtStatusRes:         "STATUS_RES",
	PtSubmitJobHigh:     "SUBMIT_JOB_HIGH",
	PtSetClientId:       "SET_CLIENT_ID",
	PtCanDoTimeout:      "CAN_DO_TIMEOUT",
	PtAllYours:          "ALL_YOURS",
	PtWorkException:     "WORK_EXCEPTION",
	PtOptionReq:         "OPTION_REQ",
	PtOptionRes:         "OPTION_RES",
	PtWorkData:          "WORK_DATA",
	PtWorkWarning:       "WORK_WARNING",
	PtGrabJobUnique:     "GRAB_JOB_UNIQ",
	PtJobAssignUnique:   "JOB_ASSIGN_UNIQ",
	PtSubmitJobHighBg:   "SUBMIT_JOB_HIGH_BG",
	PtSubmitJobLow:      "SUBMIT_JOB_LOW",
	PtSubmitJobLowBg:    "SUBMIT_JOB_LOW_BG",
	PtSubmitJobSched:    "SUBMIT_JOB_SCHED",
	PtSubmitJobEpoch:    "SUBMIT_JOB_EPOCH",
	PtSubmitReduceJob:   "SUBMIT_REDUCE_JOB",
	PtSubmitReduceJobBg: "SUBMIT_REDUCE_JOB_BACKGROUND",
	PtGrabJobAll:        "GRAB_JOB_ALL",
	PtJobAssignAll:      "JOB_ASSIGN_ALL",
	PtGetStatusUnique:   "GET_STATUS_UNIQUE",
	PtStatusResUnique:   "STATUS_RES_UNIQUE",
}

func (pt PacketType) String() string {
	if name, ok := packetTypeNames[pt]; ok {
		return name
	}
	return fmt.Sprintf("PacketType(%d)", uint32(pt))
}

// HeaderSize is magic(4) + type(4) + length(4).
const HeaderSize = 12

// MaxUniqueIdLength is the protocol's cap on a caller-supplied unique id,
// in bytes.
const MaxUniqueIdLength = 64

var (
	magicRequest  = []byte("\x00REQ")
	magicResponse = []byte("\x00RES")
	nul           = []byte{0}
)

// ArgName identifies one positional argument slot within a packet.
type ArgName int

const (
	ArgFuncName ArgName = iota
	ArgUniqueId
	ArgReducer
	ArgAggregate
	ArgWorkload
	ArgHandle
	ArgData
	ArgErrCode
	ArgErrText
	ArgMinute
	ArgHour
	ArgDayOfMonth
	ArgMonth
	ArgDayOfWeek
	ArgEpoch
	ArgConnOption
	ArgPercentNumerator
	ArgPercentDenominator
	ArgKnowStatus
	ArgRunningStatus
	ArgWaitingClientsNum
)

// packetArgs fixes the argument count and order for every command kind
// the client core sends or receives.
var packetArgs = map[PacketType][]ArgName{
	PtSubmitJob:         {ArgFuncName, ArgUniqueId, ArgWorkload},
	PtSubmitJobHigh:     {ArgFuncName, ArgUniqueId, ArgWorkload},
	PtSubmitJobLow:      {ArgFuncName, ArgUniqueId, ArgWorkload},
	PtSubmitJobBg:       {ArgFuncName, ArgUniqueId, ArgWorkload},
	PtSubmitJobHighBg:   {ArgFuncName, ArgUniqueId, ArgWorkload},
	PtSubmitJobLowBg:    {ArgFuncName, ArgUniqueId, ArgWorkload},
	PtSubmitJobEpoch:    {ArgFuncName, ArgUniqueId, ArgEpoch, ArgWorkload},
	PtSubmitJobSched:    {ArgFuncName, ArgUniqueId, ArgMinute, ArgHour, ArgDayOfMonth, ArgMonth, ArgDayOfWeek, ArgWorkload},
	PtSubmitReduceJob:   {ArgFuncName, ArgUniqueId, ArgReducer, ArgAggregate, ArgWorkload},
	PtSubmitReduceJobBg: {ArgFuncName, ArgUniqueId, ArgReducer, ArgAggregate, ArgWorkload},
	PtGetStatus:         {ArgHandle},
	PtGetStatusUnique:   {ArgUniqueId},
	PtOptionReq:         {ArgConnOption},
	PtOptionRes:         {ArgConnOption},
	PtEchoReq:           {ArgData},
	PtEchoRes:           {ArgData},

	PtJobCreated:      {ArgHandle},
	PtWorkStatus:      {ArgHandle, ArgPercentNumerator, ArgPercentDenominator},
	PtWorkComplete:    {ArgHandle, ArgData},
	PtWorkFail:        {ArgHandle},
	PtWorkException:   {ArgHandle, ArgData},
	PtWorkData:        {ArgHandle, ArgData},
	PtWorkWarning:     {ArgHandle, ArgData},
	PtStatusRes:       {ArgHandle, ArgKnowStatus, ArgRunningStatus, ArgPercentNumerator, ArgPercentDenominator},
	PtStatusResUnique: {ArgHandle, ArgKnowStatus, ArgRunningStatus, ArgPercentNumerator, ArgPercentDenominator, ArgWaitingClientsNum},
	PtError:           {ArgErrCode, ArgErrText},
}

func argIndex(pt PacketType, name ArgName) (int, bool) {
	for i, n := range packetArgs[pt] {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// Packet is a decoded Gearman frame: a command kind plus its fixed
// argument byte strings, in the order packetArgs requires.
type Packet struct {
	Type PacketType
	args [][]byte
}

// NewPacket allocates a Packet with slots for every argument the command
// kind requires; unset slots are empty byte strings.
func NewPacket(pt PacketType) *Packet {
	return &Packet{Type: pt, args: make([][]byte, len(packetArgs[pt]))}
}

func (p *Packet) getArg(name ArgName) ([]byte, error) {
	i, ok := argIndex(p.Type, name)
	if !ok || i >= len(p.args) {
		return nil, errors.Wrapf(ErrArgNotSupported, "type %d arg %d", p.Type, name)
	}
	return p.args[i], nil
}

func (p *Packet) setArg(name ArgName, v []byte) error {
	i, ok := argIndex(p.Type, name)
	if !ok {
		return errors.Wrapf(ErrArgNotSupported, "type %d arg %d", p.Type, name)
	}
	if p.args == nil {
		p.args = make([][]byte, len(packetArgs[p.Type]))
	}
	p.args[i] = v
	return nil
}

// ErrArgNotSupported is returned when a caller asks for an argument that
// a given packet type does not carry.
var ErrArgNotSupported = errors.New("argument not supported by this packet type")

func (p *Packet) Args() [][]byte { return p.args }

func (p *Packet) SetFuncName(name string) error { return p.setArg(ArgFuncName, []byte(name)) }
func (p *Packet) GetFuncName() (string, error)  { return p.getStringArg(ArgFuncName) }
func (p *Packet) SetUniqueId(id string) error   { return p.setArg(ArgUniqueId, []byte(id)) }
func (p *Packet) GetUniqueId() (string, error)  { return p.getStringArg(ArgUniqueId) }
func (p *Packet) SetReducer(name string) error  { return p.setArg(ArgReducer, []byte(name)) }
func (p *Packet) GetReducer() (string, error)   { return p.getStringArg(ArgReducer) }
func (p *Packet) SetHandle(handle string) error { return p.setArg(ArgHandle, []byte(handle)) }
func (p *Packet) GetHandle() (string, error)    { return p.getStringArg(ArgHandle) }
func (p *Packet) SetData(data []byte) error     { return p.setArg(ArgData, data) }
func (p *Packet) GetData() ([]byte, error)      { return p.getArg(ArgData) }
func (p *Packet) SetWorkload(data []byte) error { return p.setArg(ArgWorkload, data) }
func (p *Packet) GetWorkload() ([]byte, error)  { return p.getArg(ArgWorkload) }
func (p *Packet) SetAggregate() error           { return p.setArg(ArgAggregate, nul) }
func (p *Packet) SetConnOption(name string) error { return p.setArg(ArgConnOption, []byte(name)) }
func (p *Packet) GetConnOption() (string, error)  { return p.getStringArg(ArgConnOption) }

func (p *Packet) SetEpoch(when int64) error {
	return p.setArg(ArgEpoch, []byte(strconv.FormatInt(when, 10)))
}

func (p *Packet) GetEpoch() (int64, error) {
	arg, err := p.getArg(ArgEpoch)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(arg), 10, 64)
}

func (p *Packet) SetSchedule(t time.Time) error {
	fields := []struct {
		name ArgName
		v    int
	}{
		{ArgMinute, t.Minute()},
		{ArgHour, t.Hour()},
		{ArgDayOfMonth, t.Day()},
		{ArgMonth, int(t.Month())},
		{ArgDayOfWeek, int(t.Weekday())},
	}
	for _, f := range fields {
		if err := p.setArg(f.name, []byte(strconv.Itoa(f.v))); err != nil {
			return err
		}
	}
	return nil
}

func (p *Packet) SetErrCode(code string) error { return p.setArg(ArgErrCode, []byte(code)) }
func (p *Packet) GetErrCode() (string, error)  { return p.getStringArg(ArgErrCode) }
func (p *Packet) SetErrText(text string) error { return p.setArg(ArgErrText, []byte(text)) }
func (p *Packet) GetErrText() (string, error)  { return p.getStringArg(ArgErrText) }

func (p *Packet) setUint32Arg(name ArgName, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return p.setArg(name, b[:])
}

func (p *Packet) getUint32Arg(name ArgName) (uint32, error) {
	arg, err := p.getArg(name)
	if err != nil {
		return 0, err
	}
	if len(arg) != 4 {
		return 0, errors.Wrap(ErrProtocolViolation, "malformed numeric argument")
	}
	return binary.BigEndian.Uint32(arg), nil
}

func (p *Packet) SetPercent(numerator, denominator uint32) error {
	if err := p.setUint32Arg(ArgPercentNumerator, numerator); err != nil {
		return err
	}
	return p.setUint32Arg(ArgPercentDenominator, denominator)
}

func (p *Packet) GetPercentNumerator() (uint32, error)   { return p.getUint32Arg(ArgPercentNumerator) }
func (p *Packet) GetPercentDenominator() (uint32, error) { return p.getUint32Arg(ArgPercentDenominator) }
func (p *Packet) GetWaitingClientNum() (uint32, error)   { return p.getUint32Arg(ArgWaitingClientsNum) }

func (p *Packet) SetStatusKnow(v bool) error   { return p.setBoolArg(ArgKnowStatus, v) }
func (p *Packet) GetStatusKnow() (bool, error) { return p.getBoolArg(ArgKnowStatus) }

func (p *Packet) SetStatusRunning(v bool) error   { return p.setBoolArg(ArgRunningStatus, v) }
func (p *Packet) GetStatusRunning() (bool, error) { return p.getBoolArg(ArgRunningStatus) }

func (p *Packet) setBoolArg(name ArgName, v bool) error {
	if v {
		return p.setArg(name, []byte("1"))
	}
	return p.setArg(name, []byte("0"))
}

func (p *Packet) getBoolArg(name ArgName) (bool, error) {
	arg, err := p.getArg(name)
	if err != nil {
		return false, err
	}
	return len(arg) > 0 && arg[0] == '1', nil
}

func (p *Packet) getStringArg(name ArgName) (string, error) {
	arg, err := p.getArg(name)
	if err != nil {
		return "", err
	}
	return string(arg), nil
}

// Encode serializes a command and its fixed argument list into the
// binary Gearman wire format: magic, command, payload length, then
// NUL-separated arguments with no trailing separator after the last one.
func Encode(magic []byte, pt PacketType, args [][]byte) ([]byte, error) {
	if want := len(packetArgs[pt]); want > 0 && len(args) != want {
		return nil, errors.Wrapf(ErrBadArgumentCount, "type %d wants %d args, got %d", pt, want, len(args))
	}

	size := 0
	if len(args) > 0 {
		size = len(args) - 1 // NUL separators between arguments
	}
	for _, a := range args {
		size += len(a)
	}
	if size < 0 || size > math.MaxUint32 {
		return nil, ErrPayloadTooLarge
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+size))
	buf.Write(magic)
	binary.Write(buf, binary.BigEndian, uint32(pt))
	binary.Write(buf, binary.BigEndian, uint32(size))
	for i, a := range args {
		buf.Write(a)
		if i != len(args)-1 {
			buf.Write(nul)
		}
	}

	return buf.Bytes(), nil
}

// EncodePacket is a convenience wrapper building a frame from a *Packet's
// own argument slots, tagged with the given magic (request or response).
func EncodePacket(magic []byte, p *Packet) ([]byte, error) {
	return Encode(magic, p.Type, p.args)
}

// needMoreError signals the decoder needs N additional bytes before it
// can make progress; it is never a terminal error.
type needMoreError struct{ n int }

func (e *needMoreError) Error() string { return fmt.Sprintf("need %d more bytes", e.n) }

// NeedMore reports whether err indicates the decoder simply needs more
// buffered data, and if so how many additional bytes are required.
func NeedMore(err error) (int, bool) {
	var nm *needMoreError
	if errors.As(err, &nm) {
		return nm.n, true
	}
	return 0, false
}

// Decode parses one binary frame from the front of buf. On success it
// returns the packet and the number of bytes consumed. If buf does not
// yet hold a full frame, it returns a *needMoreError naming how many
// more bytes are required; the caller should leave buf untouched and
// retry once more bytes have arrived.
func Decode(buf []byte) (*Packet, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, &needMoreError{n: HeaderSize - len(buf)}
	}

	magic := buf[0:4]
	if !bytes.Equal(magic, magicRequest) && !bytes.Equal(magic, magicResponse) {
		return nil, 0, errors.Wrap(ErrProtocolViolation, "bad magic")
	}

	pt := PacketType(binary.BigEndian.Uint32(buf[4:8]))
	size := binary.BigEndian.Uint32(buf[8:12])

	total := HeaderSize + int(size)
	if len(buf) < total {
		return nil, 0, &needMoreError{n: total - len(buf)}
	}

	payload := buf[HeaderSize:total]

	var args [][]byte
	switch pt {
	case PtSubmitReduceJob, PtSubmitReduceJobBg:
		args = decodeReduceArgs(payload)
	default:
		if size > 0 {
			args = bytes.Split(payload, nul)
		}

		// The final fixed argument (always a data/workload blob when one is
		// present) may itself carry embedded NULs; re-join anything past the
		// fixed prefix so splitting on NUL never corrupts payload data.
		if want := len(packetArgs[pt]); want > 0 && len(args) > want {
			joined := bytes.Join(args[want-1:], nul)
			args = append(args[:want-1], joined)
		}
	}

	return &Packet{Type: pt, args: args}, total, nil
}

// decodeReduceArgs decodes SUBMIT_REDUCE_JOB(_BACKGROUND) payloads. Func
// name, unique id and reducer split on NUL like any other argument, but
// the aggregate slot is a fixed one-byte placeholder whose only defined
// value is itself a NUL byte — indistinguishable, under a plain split,
// from an empty argument plus a separator. It has to be taken
// positionally instead, leaving the rest of the payload untouched as the
// workload, embedded NULs and all.
func decodeReduceArgs(payload []byte) [][]byte {
	parts := bytes.SplitN(payload, nul, 4)
	for len(parts) < 4 {
		parts = append(parts, nil)
	}

	rest := parts[3]
	var aggregate, workload []byte
	if len(rest) > 0 {
		aggregate = rest[:1]
	}
	if len(rest) > 1 {
		workload = rest[2:]
	}

	return [][]byte{parts[0], parts[1], parts[2], aggregate, workload}
}
