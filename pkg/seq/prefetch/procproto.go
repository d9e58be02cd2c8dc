package prefetch

// ===== Worker Wire Protocol =====
//
// Parent and worker talk MessagePack frames over the worker's stdin and
// stdout. The parent opens with a hello frame naming the registered compute
// function and, for slot transfer, the geometry of the shared arena the
// worker must map from inherited file descriptor 3. The worker answers with
// a ready frame, then the streams carry task and result frames until a task
// frame with stop set ends the session.

const (
	// modeSlot transfers results through shared-memory slots.
	modeSlot uint8 = 1
	// modeItem transfers results as serialized payloads inside the frame.
	modeItem uint8 = 2
)

const (
	statusDone   uint8 = 1
	statusFailed uint8 = 2
)

// arenaFD is where a worker finds the inherited shared arena descriptor:
// the first entry after stdin, stdout and stderr.
const arenaFD = 3

type helloMsg struct {
	Fn        string `msgpack:"fn"`
	Mode      uint8  `msgpack:"mode"`
	SlotCount int    `msgpack:"slot_count"`
	SlotSize  int    `msgpack:"slot_size"`
}

type readyMsg struct {
	OK  bool   `msgpack:"ok"`
	Err string `msgpack:"err"`
}

type taskMsg struct {
	Stop  bool   `msgpack:"stop"`
	Index int    `msgpack:"index"`
	Pos   int    `msgpack:"pos"`
	Epoch uint64 `msgpack:"epoch"`
	Slot  int    `msgpack:"slot"`
}

type resultMsg struct {
	Index  int    `msgpack:"index"`
	Pos    int    `msgpack:"pos"`
	Epoch  uint64 `msgpack:"epoch"`
	Slot   int    `msgpack:"slot"`
	Status uint8  `msgpack:"status"`

	// N is the number of bytes written into the slot (slot mode).
	N int `msgpack:"n"`
	// Payload carries the serialized value (item mode).
	Payload []byte `msgpack:"payload"`

	ErrKind  string `msgpack:"err_kind"`
	ErrMsg   string `msgpack:"err_msg"`
	ErrStack string `msgpack:"err_stack"`
}

// procResult is the parent-side value of a process-worker completion.
type procResult struct {
	// n is the number of bytes the worker wrote into the transfer slot.
	n int
	// payload is the serialized value for item-mode pipelines.
	payload []byte
}
