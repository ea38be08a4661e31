package ledger

import (
	"context"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
)

// Simulator is an in-memory ledger that validates every accepted submission immediately.
// It verifies signatures, sequences, expiry windows and reserves the way a real network
// would, and lets tests inject the failure modes the submitter has to survive.
type Simulator struct {
	mu          sync.Mutex
	accounts    map[string]*simAccount
	txs         map[string]TxStatus
	ledgerIndex uint32
	reserveBase int64
	reserveInc  int64
	baseFee     int64

	unavailable bool
	faults      []fault
	submits     int
}

type simAccount struct {
	balance    int64
	sequence   uint32
	ownerCount uint32
}

type fault int

const (
	// faultHang blocks until the caller gives up; the blob never reaches the ledger.
	faultHang fault = iota + 1
	// faultDropResponse applies the blob, then blocks until the caller gives up.
	faultDropResponse
	// faultReject refuses the blob with tefFAILURE.
	faultReject
)

// NewSimulator returns a ledger with a 1 unit base reserve, 0.2 owner reserve and a
// 10 drop base fee.
func NewSimulator() *Simulator {
	return &Simulator{
		accounts:    make(map[string]*simAccount),
		txs:         make(map[string]TxStatus),
		ledgerIndex: 1000,
		reserveBase: 1 * DropsPerUnit,
		reserveInc:  200_000,
		baseFee:     10,
	}
}

// Fund credits address with units, creating the account when needed.
func (s *Simulator) Fund(address string, units decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := s.account(address)
	acct.balance += units.Shift(6).IntPart()
}

// SetOwnerCount sets how many ledger objects address owns, raising its reserve.
func (s *Simulator) SetOwnerCount(address string, n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account(address).ownerCount = n
}

// SetUnavailable makes every call fail with ErrUnavailable.
func (s *Simulator) SetUnavailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = v
}

func (s *Simulator) HangNextSubmit()         { s.pushFault(faultHang) }
func (s *Simulator) DropNextSubmitResponse() { s.pushFault(faultDropResponse) }
func (s *Simulator) RejectNextSubmit()       { s.pushFault(faultReject) }

func (s *Simulator) pushFault(f fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, f)
}

// AdvanceLedger closes n empty ledgers.
func (s *Simulator) AdvanceLedger(n uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgerIndex += n
}

// SubmitCount reports how many submit calls reached the simulator.
func (s *Simulator) SubmitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

func (s *Simulator) account(address string) *simAccount {
	acct, ok := s.accounts[address]
	if !ok {
		acct = &simAccount{sequence: 1}
		s.accounts[address] = acct
	}
	return acct
}

func (s *Simulator) AccountInfo(ctx context.Context, address string) (AccountInfo, error) {
	if err := ctx.Err(); err != nil {
		return AccountInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return AccountInfo{}, ErrUnavailable
	}
	acct, ok := s.accounts[address]
	if !ok {
		return AccountInfo{}, ErrAccountNotFound
	}
	return AccountInfo{
		Address:    address,
		Balance:    FromDrops(acct.balance),
		Sequence:   acct.sequence,
		OwnerCount: acct.ownerCount,
	}, nil
}

func (s *Simulator) ServerInfo(ctx context.Context) (ServerInfo, error) {
	if err := ctx.Err(); err != nil {
		return ServerInfo{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return ServerInfo{}, ErrUnavailable
	}
	return ServerInfo{
		ReserveBase:      FromDrops(s.reserveBase),
		ReserveIncrement: FromDrops(s.reserveInc),
		BaseFee:          FromDrops(s.baseFee),
		ValidatedLedger:  s.ledgerIndex,
	}, nil
}

func (s *Simulator) Submit(ctx context.Context, blob string) (SubmitResult, error) {
	s.mu.Lock()
	s.submits++
	if s.unavailable {
		s.mu.Unlock()
		return SubmitResult{}, ErrUnavailable
	}
	var f fault
	if len(s.faults) > 0 {
		f = s.faults[0]
		s.faults = s.faults[1:]
	}
	switch f {
	case faultHang:
		s.mu.Unlock()
		<-ctx.Done()
		return SubmitResult{}, ctx.Err()
	case faultReject:
		s.mu.Unlock()
		return SubmitResult{EngineResult: "tefFAILURE"}, &RejectedError{EngineResult: "tefFAILURE", Message: "injected rejection"}
	}
	res, err := s.apply(blob)
	s.mu.Unlock()

	if f == faultDropResponse {
		<-ctx.Done()
		return SubmitResult{}, ctx.Err()
	}
	return res, err
}

// apply must be called with s.mu held.
func (s *Simulator) apply(blob string) (SubmitResult, error) {
	sp, hash, err := DecodeSigned(blob)
	if err != nil {
		return SubmitResult{}, &RejectedError{EngineResult: "temINVALID", Message: err.Error()}
	}
	reject := func(code string) (SubmitResult, error) {
		return SubmitResult{EngineResult: code, TxHash: hash}, &RejectedError{EngineResult: code}
	}
	if _, seen := s.txs[hash]; seen {
		return reject("tefALREADY")
	}
	if err := ValidateAddress(sp.Destination); err != nil {
		return reject("temDST_NEEDED")
	}
	amount, err1 := strconv.ParseInt(sp.Amount, 10, 64)
	fee, err2 := strconv.ParseInt(sp.Fee, 10, 64)
	if err1 != nil || err2 != nil || amount <= 0 || fee < s.baseFee {
		return reject("temBAD_AMOUNT")
	}
	if sp.Account == sp.Destination {
		return reject("temREDUNDANT")
	}
	src, ok := s.accounts[sp.Account]
	if !ok {
		return reject("tefNO_ACCOUNT")
	}
	switch {
	case sp.Sequence < src.sequence:
		return reject("tefPAST_SEQ")
	case sp.Sequence > src.sequence:
		return reject("telPRE_SEQ")
	case sp.LastLedgerSequence != 0 && sp.LastLedgerSequence <= s.ledgerIndex:
		return reject("tefMAX_LEDGER")
	case src.balance < fee:
		return reject("telINSUF_FEE_P")
	}

	s.ledgerIndex++
	src.sequence++
	src.balance -= fee

	result := ResultSuccess
	reserve := s.reserveBase + int64(src.ownerCount)*s.reserveInc
	dst, dstExists := s.accounts[sp.Destination]
	switch {
	case src.balance-amount < reserve:
		result = "tecUNFUNDED_PAYMENT"
	case !dstExists && amount < s.reserveBase:
		result = "tecNO_DST_INSUF_XRP"
	default:
		if !dstExists {
			dst = s.account(sp.Destination)
		}
		src.balance -= amount
		dst.balance += amount
	}

	s.txs[hash] = TxStatus{Hash: hash, Validated: true, Result: result, LedgerIndex: s.ledgerIndex}
	return SubmitResult{EngineResult: result, TxHash: hash}, nil
}

func (s *Simulator) GetTransaction(ctx context.Context, hash string) (TxStatus, error) {
	if err := ctx.Err(); err != nil {
		return TxStatus{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return TxStatus{}, ErrUnavailable
	}
	tx, ok := s.txs[hash]
	if !ok {
		return TxStatus{}, ErrTxNotFound
	}
	return tx, nil
}

func (s *Simulator) Ping(ctx context.Context) error {
	_, err := s.ServerInfo(ctx)
	return err
}
