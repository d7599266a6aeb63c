// Package ffa implements the FF-A proxy dispatcher and SPMC handler
// spec.md §4.6 describes: locally-handled calls, the memory-ownership
// transition calls backed by internal/stage2, and the secure-partition
// event loop for the secondary S-EL2 profile. Grounded on
// original_source/src/ffa/{mod,proxy,mailbox,memory,stub_spmc}.rs and
// src/spmc_handler.rs.
package ffa

// Function identifiers, the subset spec.md §4.6 names.
const (
	FuncError             uint32 = 0x84000060
	FuncSuccess32         uint32 = 0x84000061
	FuncSuccess64         uint32 = 0xC4000061
	FuncInterrupt         uint32 = 0x84000062
	FuncVersion           uint32 = 0x84000063
	FuncFeatures          uint32 = 0x84000064
	FuncRxRelease         uint32 = 0x84000065
	FuncRxtxMap32         uint32 = 0x84000066
	FuncRxtxMap64         uint32 = 0xC4000066
	FuncRxtxUnmap         uint32 = 0x84000067
	FuncPartitionInfoGet  uint32 = 0x84000068
	FuncIDGet             uint32 = 0x84000069
	FuncMsgWait           uint32 = 0x8400006B
	FuncRun               uint32 = 0x8400006D
	FuncMsgSendDirectReq32  uint32 = 0x8400006F
	FuncMsgSendDirectReq64  uint32 = 0xC400006F
	FuncMsgSendDirectResp32 uint32 = 0x84000070
	FuncMsgSendDirectResp64 uint32 = 0xC4000070
	FuncMemDonate         uint32 = 0x84000071
	FuncMemLend           uint32 = 0x84000072
	FuncMemShare          uint32 = 0x84000073
	FuncMemRetrieveReq32  uint32 = 0x84000074
	FuncMemRetrieveReq64  uint32 = 0xC4000074
	FuncMemRetrieveResp   uint32 = 0x84000075
	FuncMemRelinquish     uint32 = 0x84000076
	FuncMemReclaim        uint32 = 0x84000077
)

// Error codes, FF-A convention: a negative signed 32-bit value returned in w2.
type ErrorCode int32

const (
	ErrNotSupported      ErrorCode = -1
	ErrInvalidParameters ErrorCode = -2
	ErrNoMemory          ErrorCode = -3
	ErrBusy              ErrorCode = -4
	ErrInterrupted        ErrorCode = -5
	ErrDenied            ErrorCode = -6
	ErrRetry             ErrorCode = -7
	ErrAborted           ErrorCode = -8
)

// VersionReported is the FF-A version this hypervisor reports to FFA_VERSION,
// per spec.md §4.6.
const VersionReported uint32 = (1 << 16) | 1 // 1.1
