package riscvlike

// Where selects which HTTP message a header hypercall operates on. The
// values are ABI: guests pass them in registers and they are stable across
// revisions.
type Where uint32

const (
	WhereReq    Where = 0
	WhereReqTop Where = 1
	WhereResp   Where = 2
	WhereObj    Where = 3
	WhereBereq  Where = 4
	WhereBeresp Where = 5

	// WhereInvalid marks hook slots that carry no header table argument.
	WhereInvalid Where = 0xFFFFFFFF
)

func (w Where) String() string {
	switch w {
	case WhereReq:
		return "req"
	case WhereReqTop:
		return "req_top"
	case WhereResp:
		return "resp"
	case WhereObj:
		return "obj"
	case WhereBereq:
		return "bereq"
	case WhereBeresp:
		return "beresp"
	}
	return "invalid"
}

// Hook slots. Guests register callbacks at these fixed indices; the proxy
// invokes the slot matching its current phase.
const (
	HookRecv            = 1
	HookHash            = 2
	HookSynth           = 3
	HookBackendFetch    = 4
	HookBackendResponse = 5
	HookBackendError    = 6
	HookDeliver         = 7
	HookHit             = 8
	HookMiss            = 9
	HookLiveUpdate      = 10
	HookResumeUpdate    = 11

	// CallbackMax bounds the callback entry table.
	CallbackMax = 12
)

// callbackNames is indexed by hook slot, used in log lines only.
var callbackNames = [CallbackMax]string{
	"", "on_recv", "on_hash", "on_synth", "on_backend_fetch",
	"on_backend_response", "on_backend_error", "on_deliver",
	"on_hit", "on_miss", "on_live_update", "on_resume_update",
}

// Hypercall numbers. The guest places one of these in a7 before the trap
// instruction. Grouped by concern; gaps leave room for future calls without
// renumbering.
const (
	// Lifecycle
	SysWaitForRequests  uint32 = 500
	SysRegisterCallback uint32 = 501
	SysSetDecision      uint32 = 510
	SysPauseFor         uint32 = 511
	SysBackendDecision  uint32 = 512
	SysForgeResponse    uint32 = 513

	// Header access. These are hot: guests issue many per hook.
	SysHTTPFind      uint32 = 520
	SysHTTPAppend    uint32 = 521
	SysHTTPCopy      uint32 = 522
	SysFieldRetrieve uint32 = 523
	SysFieldSet      uint32 = 524
	SysFieldUnset    uint32 = 525
	SysForeachField  uint32 = 526
	SysHTTPUnsetRe   uint32 = 527
	SysHTTPRollback  uint32 = 528
	SysHTTPStatus    uint32 = 529
	SysHTTPSetStatus uint32 = 530

	// Response construction
	SysSynth     uint32 = 540
	SysHashData  uint32 = 541
	SysBan       uint32 = 542
	SysCacheable uint32 = 543
	SysTTL       uint32 = 544

	// Regex
	SysRegexCompile uint32 = 550
	SysRegexMatch   uint32 = 551
	SysRegexSubst   uint32 = 552
	SysRegsubHdr    uint32 = 553

	// Misc
	SysWrite      uint32 = 560
	SysLog        uint32 = 561
	SysIsStorage  uint32 = 562
	SysSetBackend uint32 = 563
	SysBreakpoint uint32 = 564
	SysAssertFail uint32 = 565
	SysUAParse    uint32 = 566
)

// HdrInvalid is the sentinel returned by header hypercalls when a field is
// missing or an index is no longer valid. Hypercalls never unwind into the
// guest; they fail by returning this.
const HdrInvalid uint32 = 0xFFFFFFFF

// Resource caps. Group limits can lower these but never raise them.
const (
	// RegexMax is the hard cap on compiled patterns per Script.
	RegexMax = 64
	// DirectorMax is the hard cap on resolved directors per Script.
	DirectorMax = 32
	// ResultsMax is the size of the want-values array.
	ResultsMax = 3

	// PostBuffer caps the contiguous request body copied into the guest.
	PostBuffer = 128 * 1024 * 1024
	// BackendBuffers caps the response scatter list.
	BackendBuffers = 1024

	// PreemptBudget is the short instruction budget for host-initiated
	// callbacks into the guest from inside a hypercall.
	PreemptBudget = 50_000
)

// Decision tokens form a closed set. An empty token means no decision was
// taken and the proxy continues with its default for the phase.
const (
	DecisionHash    = "hash"
	DecisionPass    = "pass"
	DecisionLookup  = "lookup"
	DecisionSynth   = "synth"
	DecisionFetch   = "fetch"
	DecisionDeliver = "deliver"
	DecisionRetry   = "retry"
	DecisionRestart = "restart"
	DecisionAbandon = "abandon"
	DecisionFail    = "fail"
)

var validDecisions = map[string]bool{
	"":              true,
	DecisionHash:    true,
	DecisionPass:    true,
	DecisionLookup:  true,
	DecisionSynth:   true,
	DecisionFetch:   true,
	DecisionDeliver: true,
	DecisionRetry:   true,
	DecisionRestart: true,
	DecisionAbandon: true,
	DecisionFail:    true,
}
