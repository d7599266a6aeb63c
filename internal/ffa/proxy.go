package ffa

import (
	"github.com/tinyrange/armvisor/internal/debug"
)

// Call is one SMC-conveyed FF-A invocation: function id plus the x1-x7
// argument registers, matching the SMC32/SMC64 calling convention's w1-w7.
type Call struct {
	Function uint32
	Arg      [7]uint64
	CallerVM int
}

// Result carries the registers an FF-A call sets on return: either an
// FFA_ERROR (w2=code) or an FFA_SUCCESS/function-specific response.
type Result struct {
	Function uint32
	Arg      [7]uint64
}

func errorResult(code ErrorCode) Result {
	return Result{Function: FuncError, Arg: [7]uint64{0, uint64(int64(code))}}
}

func success(args ...uint64) Result {
	var r Result
	r.Function = FuncSuccess64
	copy(r.Arg[:], args)
	return r
}

// Proxy is the locally-handled FF-A dispatcher spec.md §4.6 names: VERSION,
// ID_GET, FEATURES, RXTX_MAP/UNMAP/RX_RELEASE, PARTITION_INFO_GET,
// MSG_SEND_DIRECT_REQ (answered by a stub SP echo), and the
// ownership-transition calls backed by a ShareTable. Anything else is
// forwarded to a real SPMC if present, else NOT_SUPPORTED.
type Proxy struct {
	Shares    *ShareTable
	Mailboxes map[int]*Mailbox
	HasRealSPMC bool
	ForwardToEL3 func(Call) (Result, error)
}

// NewProxy returns a Proxy backed by shares, with one empty Mailbox per
// known VM id.
func NewProxy(shares *ShareTable, vmIDs []int) *Proxy {
	p := &Proxy{Shares: shares, Mailboxes: map[int]*Mailbox{}}
	for _, id := range vmIDs {
		p.Mailboxes[id] = &Mailbox{}
	}
	return p
}

// Dispatch handles one FF-A call per spec.md §4.6.
func (p *Proxy) Dispatch(c Call) Result {
	debug.Writef("ffa.proxy", "dispatch func=%#x caller=%d args=%v", c.Function, c.CallerVM, c.Arg)

	switch c.Function {
	case FuncVersion:
		return success(uint64(VersionReported))
	case FuncIDGet:
		return success(uint64(c.CallerVM + 1))
	case FuncFeatures:
		return success(0)
	case FuncRxtxMap32, FuncRxtxMap64:
		return p.rxtxMap(c)
	case FuncRxtxUnmap:
		return p.rxtxUnmap(c)
	case FuncRxRelease:
		return p.rxRelease(c)
	case FuncPartitionInfoGet:
		return p.partitionInfoGet(c)
	case FuncMsgSendDirectReq32, FuncMsgSendDirectReq64:
		return p.directRequestStubEcho(c)
	case FuncMemShare:
		return p.memShare(c, false)
	case FuncMemLend:
		return p.memShare(c, true)
	case FuncMemDonate:
		// Always blocked: spec.md §4.6 requires MEM_DONATE to be rejected
		// unconditionally, since this port never relinquishes hypervisor
		// tracking of a page's ownership permanently.
		return errorResult(ErrNotSupported)
	case FuncMemRetrieveReq32, FuncMemRetrieveReq64:
		return p.memRetrieve(c)
	case FuncMemRelinquish:
		return p.memRelinquish(c)
	case FuncMemReclaim:
		return p.memReclaim(c)
	default:
		if p.HasRealSPMC && p.ForwardToEL3 != nil {
			res, err := p.ForwardToEL3(c)
			if err != nil {
				return errorResult(ErrNotSupported)
			}
			return res
		}
		return errorResult(ErrNotSupported)
	}
}

func (p *Proxy) rxtxMap(c Call) Result {
	mb, ok := p.Mailboxes[c.CallerVM]
	if !ok {
		return errorResult(ErrInvalidParameters)
	}
	mb.TXIPA = c.Arg[0]
	mb.RXIPA = c.Arg[1]
	mb.PageCount = uint32(c.Arg[2])
	mb.Mapped = true
	mb.RXOwnedByHV = false
	return success()
}

func (p *Proxy) rxtxUnmap(c Call) Result {
	mb, ok := p.Mailboxes[c.CallerVM]
	if !ok || !mb.Mapped {
		return errorResult(ErrInvalidParameters)
	}
	*mb = Mailbox{}
	return success()
}

func (p *Proxy) rxRelease(c Call) Result {
	mb, ok := p.Mailboxes[c.CallerVM]
	if !ok || !mb.Mapped {
		return errorResult(ErrInvalidParameters)
	}
	mb.RXOwnedByHV = true
	return success()
}

func (p *Proxy) partitionInfoGet(c Call) Result {
	// A minimal response: report exactly the calling VM itself as the one
	// known "partition" from the normal-world side; the SPMC handler
	// reports secure partitions separately when the SPMC profile is active.
	return success(1)
}

// directRequestStubEcho answers MSG_SEND_DIRECT_REQ the way spec.md §4.6
// describes for the non-SPMC profile: a stub SP simply echoes the message
// back as a DIRECT_RESP.
func (p *Proxy) directRequestStubEcho(c Call) Result {
	return Result{Function: FuncMsgSendDirectResp64, Arg: c.Arg}
}

func (p *Proxy) memShare(c Call, lend bool) Result {
	receiverVM := int(c.Arg[1])
	ipa := c.Arg[2]
	size := c.Arg[3]

	handle, err := p.Shares.Share(c.CallerVM, receiverVM, ipa, size, lend)
	if err != nil {
		return errorResult(CodeFor(err))
	}
	return success(0, handle&0xFFFF_FFFF, handle>>32)
}

func (p *Proxy) memRetrieve(c Call) Result {
	handle := c.Arg[0] | (c.Arg[1] << 32)
	if err := p.Shares.Retrieve(handle, c.CallerVM); err != nil {
		return errorResult(CodeFor(err))
	}
	return Result{Function: FuncMemRetrieveResp}
}

func (p *Proxy) memRelinquish(c Call) Result {
	handle := c.Arg[0] | (c.Arg[1] << 32)
	if err := p.Shares.Relinquish(handle, c.CallerVM); err != nil {
		return errorResult(CodeFor(err))
	}
	return success()
}

func (p *Proxy) memReclaim(c Call) Result {
	handle := c.Arg[0] | (c.Arg[1] << 32)
	if err := p.Shares.Reclaim(handle, c.CallerVM); err != nil {
		return errorResult(CodeFor(err))
	}
	return success()
}
