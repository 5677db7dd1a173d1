package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xraph/grove"

	"github.com/xraph/metarelay/dlq"
	"github.com/xraph/metarelay/id"
	"github.com/xraph/metarelay/internal/entity"
	"github.com/xraph/metarelay/metatx"
	"github.com/xraph/metarelay/submission"
	"github.com/xraph/metarelay/watcher"
)

// parseOptionalID parses s, mapping the empty string to id.Nil.
func parseOptionalID(s string) (id.ID, error) {
	if s == "" {
		return id.Nil, nil
	}
	return id.Parse(s)
}

// --- Nonce models ---

type nonceModel struct {
	grove.BaseModel `grove:"table:metarelay_nonces"`

	Identity  string    `grove:"identity,pk"`
	Next      int64     `grove:"next"`
	UpdatedAt time.Time `grove:"updated_at"`
}

// --- Submission models ---

type submissionModel struct {
	grove.BaseModel `grove:"table:metarelay_submissions"`

	ID            string     `grove:"id,pk"`
	RequestHash   string     `grove:"request_hash"`
	From          string     `grove:"from_addr"`
	To            string     `grove:"to_addr"`
	Relayer       string     `grove:"relayer"`
	Gas           int64      `grove:"gas"`
	Nonce         int64      `grove:"nonce"`
	TxHandle      string     `grove:"tx_handle"`
	State         string     `grove:"state"`
	Success       bool       `grove:"success"`
	ReturnData    []byte     `grove:"return_data,type:bytea"`
	GasPrice      string     `grove:"gas_price"`
	CostInNative  string     `grove:"cost_in_native"`
	TransactorFee string     `grove:"transactor_fee"`
	Error         string     `grove:"error"`
	Code          string     `grove:"code"`
	SwapError     string     `grove:"swap_error"`
	Checks        int        `grove:"checks"`
	NextCheckAt   time.Time  `grove:"next_check_at"`
	ConfirmedAt   *time.Time `grove:"confirmed_at"`
	CreatedAt     time.Time  `grove:"created_at"`
	UpdatedAt     time.Time  `grove:"updated_at"`
}

func toSubmissionModel(s *submission.Submission) *submissionModel {
	return &submissionModel{
		ID:            s.ID.String(),
		RequestHash:   s.RequestHash.Hex(),
		From:          s.From.Hex(),
		To:            s.To.Hex(),
		Relayer:       s.Relayer.Hex(),
		Gas:           int64(s.Gas),
		Nonce:         int64(s.Nonce),
		TxHandle:      s.TxHandle,
		State:         string(s.State),
		Success:       s.Success,
		ReturnData:    s.ReturnData,
		GasPrice:      s.GasPrice,
		CostInNative:  s.CostInNative,
		TransactorFee: s.TransactorFee,
		Error:         s.Error,
		Code:          s.Code,
		SwapError:     s.SwapError,
		Checks:        s.Checks,
		NextCheckAt:   s.NextCheckAt,
		ConfirmedAt:   s.ConfirmedAt,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

func fromSubmissionModel(m *submissionModel) (*submission.Submission, error) {
	subID, err := id.ParseSubmissionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse submission ID %q: %w", m.ID, err)
	}
	return &submission.Submission{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:            subID,
		RequestHash:   common.HexToHash(m.RequestHash),
		From:          common.HexToAddress(m.From),
		To:            common.HexToAddress(m.To),
		Relayer:       common.HexToAddress(m.Relayer),
		Gas:           uint64(m.Gas),
		Nonce:         uint64(m.Nonce),
		TxHandle:      m.TxHandle,
		State:         submission.State(m.State),
		Success:       m.Success,
		ReturnData:    m.ReturnData,
		GasPrice:      m.GasPrice,
		CostInNative:  m.CostInNative,
		TransactorFee: m.TransactorFee,
		Error:         m.Error,
		Code:          m.Code,
		SwapError:     m.SwapError,
		Checks:        m.Checks,
		NextCheckAt:   m.NextCheckAt,
		ConfirmedAt:   m.ConfirmedAt,
	}, nil
}

// --- Operation models ---

type operationModel struct {
	grove.BaseModel `grove:"table:metarelay_operations"`

	ID           string          `grove:"id,pk"`
	From         string          `grove:"from_addr"`
	To           string          `grove:"to_addr"`
	Gas          int64           `grove:"gas"`
	Data         []byte          `grove:"data,type:bytea"`
	Nonce        int64           `grove:"nonce"`
	State        string          `grove:"state"`
	RelayerIndex int             `grove:"relayer_index"`
	Rejections   int             `grove:"rejections"`
	Request      json.RawMessage `grove:"request,type:jsonb"`
	AttemptID    string          `grove:"attempt_id"`
	Handle       string          `grove:"handle"`
	Deadline     time.Time       `grove:"deadline"`
	Unsaved      bool            `grove:"attempt_unsaved"`
	NextCheckAt  time.Time       `grove:"next_check_at"`
	Success      bool            `grove:"success"`
	ReturnData   []byte          `grove:"return_data,type:bytea"`
	Error        string          `grove:"error"`
	Code         string          `grove:"code"`
	CompletedAt  *time.Time      `grove:"completed_at"`
	CreatedAt    time.Time       `grove:"created_at"`
	UpdatedAt    time.Time       `grove:"updated_at"`
}

func toOperationModel(op *watcher.Operation) (*operationModel, error) {
	var req json.RawMessage
	if op.Request != nil {
		raw, err := json.Marshal(op.Request)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		req = raw
	}
	return &operationModel{
		ID:           op.ID.String(),
		From:         op.From.Hex(),
		To:           op.To.Hex(),
		Gas:          int64(op.Gas),
		Data:         op.Data,
		Nonce:        int64(op.Nonce),
		State:        string(op.State),
		RelayerIndex: op.RelayerIndex,
		Rejections:   op.Rejections,
		Request:      req,
		AttemptID:    op.AttemptID.String(),
		Handle:       op.Handle,
		Deadline:     op.Deadline,
		Unsaved:      op.AttemptUnsaved,
		NextCheckAt:  op.NextCheckAt,
		Success:      op.Success,
		ReturnData:   op.ReturnData,
		Error:        op.Error,
		Code:         op.Code,
		CompletedAt:  op.CompletedAt,
		CreatedAt:    op.CreatedAt,
		UpdatedAt:    op.UpdatedAt,
	}, nil
}

func fromOperationModel(m *operationModel) (*watcher.Operation, error) {
	opID, err := id.ParseOperationID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse operation ID %q: %w", m.ID, err)
	}
	attID, err := parseOptionalID(m.AttemptID)
	if err != nil {
		return nil, fmt.Errorf("parse attempt ID %q: %w", m.AttemptID, err)
	}
	var req *metatx.ForwardRequest
	if len(m.Request) > 0 && string(m.Request) != "null" {
		req = new(metatx.ForwardRequest)
		if err := json.Unmarshal(m.Request, req); err != nil {
			return nil, fmt.Errorf("unmarshal request: %w", err)
		}
	}
	return &watcher.Operation{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             opID,
		From:           common.HexToAddress(m.From),
		To:             common.HexToAddress(m.To),
		Gas:            uint64(m.Gas),
		Data:           m.Data,
		Nonce:          uint64(m.Nonce),
		State:          watcher.State(m.State),
		RelayerIndex:   m.RelayerIndex,
		Rejections:     m.Rejections,
		Request:        req,
		AttemptID:      attID,
		Handle:         m.Handle,
		Deadline:       m.Deadline,
		AttemptUnsaved: m.Unsaved,
		NextCheckAt:    m.NextCheckAt,
		Success:        m.Success,
		ReturnData:     m.ReturnData,
		Error:          m.Error,
		Code:           m.Code,
		CompletedAt:    m.CompletedAt,
	}, nil
}

// --- Attempt models ---

type attemptModel struct {
	grove.BaseModel `grove:"table:metarelay_attempts"`

	ID          string    `grove:"id,pk"`
	OperationID string    `grove:"operation_id"`
	RequestHash string    `grove:"request_hash"`
	Relayer     string    `grove:"relayer"`
	Endpoint    string    `grove:"endpoint"`
	Handle      string    `grove:"handle"`
	SubmittedAt time.Time `grove:"submitted_at"`
	Status      string    `grove:"status"`
	Error       string    `grove:"error"`
	CreatedAt   time.Time `grove:"created_at"`
	UpdatedAt   time.Time `grove:"updated_at"`
}

func toAttemptModel(a *watcher.Attempt) *attemptModel {
	return &attemptModel{
		ID:          a.ID.String(),
		OperationID: a.OperationID.String(),
		RequestHash: a.RequestHash.Hex(),
		Relayer:     a.Relayer.Hex(),
		Endpoint:    a.Endpoint,
		Handle:      a.Handle,
		SubmittedAt: a.SubmittedAt,
		Status:      string(a.Status),
		Error:       a.Error,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func fromAttemptModel(m *attemptModel) (*watcher.Attempt, error) {
	attID, err := id.ParseAttemptID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse attempt ID %q: %w", m.ID, err)
	}
	opID, err := id.ParseOperationID(m.OperationID)
	if err != nil {
		return nil, fmt.Errorf("parse operation ID %q: %w", m.OperationID, err)
	}
	return &watcher.Attempt{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          attID,
		OperationID: opID,
		RequestHash: common.HexToHash(m.RequestHash),
		Relayer:     common.HexToAddress(m.Relayer),
		Endpoint:    m.Endpoint,
		Handle:      m.Handle,
		SubmittedAt: m.SubmittedAt,
		Status:      watcher.AttemptStatus(m.Status),
		Error:       m.Error,
	}, nil
}

// --- DLQ models ---

type dlqEntryModel struct {
	grove.BaseModel `grove:"table:metarelay_dlq"`

	ID                string     `grove:"id,pk"`
	OperationID       string     `grove:"operation_id"`
	From              string     `grove:"from_addr"`
	Nonce             int64      `grove:"nonce"`
	To                string     `grove:"to_addr"`
	Gas               int64      `grove:"gas"`
	Data              []byte     `grove:"data,type:bytea"`
	Relayer           string     `grove:"relayer"`
	Error             string     `grove:"error"`
	Code              string     `grove:"code"`
	AttemptCount      int        `grove:"attempt_count"`
	ReplayedAt        *time.Time `grove:"replayed_at"`
	ReplayOperationID string     `grove:"replay_operation_id"`
	FailedAt          time.Time  `grove:"failed_at"`
	CreatedAt         time.Time  `grove:"created_at"`
	UpdatedAt         time.Time  `grove:"updated_at"`
}

func toDLQEntryModel(e *dlq.Entry) *dlqEntryModel {
	return &dlqEntryModel{
		ID:                e.ID.String(),
		OperationID:       e.OperationID.String(),
		From:              e.From.Hex(),
		Nonce:             int64(e.Nonce),
		To:                e.To.Hex(),
		Gas:               int64(e.Gas),
		Data:              e.Data,
		Relayer:           e.Relayer.Hex(),
		Error:             e.Error,
		Code:              e.Code,
		AttemptCount:      e.AttemptCount,
		ReplayedAt:        e.ReplayedAt,
		ReplayOperationID: e.ReplayOperationID.String(),
		FailedAt:          e.FailedAt,
		CreatedAt:         e.CreatedAt,
		UpdatedAt:         e.UpdatedAt,
	}
}

func fromDLQEntryModel(m *dlqEntryModel) (*dlq.Entry, error) {
	dlqID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse DLQ ID %q: %w", m.ID, err)
	}
	opID, err := id.ParseOperationID(m.OperationID)
	if err != nil {
		return nil, fmt.Errorf("parse operation ID %q: %w", m.OperationID, err)
	}
	replayID, err := parseOptionalID(m.ReplayOperationID)
	if err != nil {
		return nil, fmt.Errorf("parse replay operation ID %q: %w", m.ReplayOperationID, err)
	}
	return &dlq.Entry{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                dlqID,
		OperationID:       opID,
		From:              common.HexToAddress(m.From),
		Nonce:             uint64(m.Nonce),
		To:                common.HexToAddress(m.To),
		Gas:               uint64(m.Gas),
		Data:              m.Data,
		Relayer:           common.HexToAddress(m.Relayer),
		Error:             m.Error,
		Code:              m.Code,
		AttemptCount:      m.AttemptCount,
		ReplayedAt:        m.ReplayedAt,
		ReplayOperationID: replayID,
		FailedAt:          m.FailedAt,
	}, nil
}
