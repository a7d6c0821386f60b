// Copyright 2024 The draw-client Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package catalog

// ProcessingStatus is the per-series lifecycle state. Transitions follow a
// DAG; the only backward edge is an explicit operator reset to Unprocessed.
type ProcessingStatus string

const (
	StatusUnprocessed             ProcessingStatus = "UNPROCESSED"
	StatusRuleMatched             ProcessingStatus = "RULE_MATCHED"
	StatusRuleNotMatched          ProcessingStatus = "RULE_NOT_MATCHED"
	StatusMultipleRulesMatched    ProcessingStatus = "MULTIPLE_RULES_MATCHED"
	StatusDeidentified            ProcessingStatus = "DEIDENTIFIED_SUCCESSFULLY"
	StatusDeidentificationFailed  ProcessingStatus = "DEIDENTIFICATION_FAILED"
	StatusPendingTransfer         ProcessingStatus = "PENDING_TRANSFER_TO_DRAW_SERVER"
	StatusSentToDrawServer        ProcessingStatus = "SENT_TO_DRAW_SERVER"
	StatusFailedTransfer          ProcessingStatus = "FAILED_TRANSFER_TO_DRAW_SERVER"
	StatusRTStructReceived        ProcessingStatus = "RTSTRUCTURE_RECEIVED"
	StatusInvalidRTStructReceived ProcessingStatus = "INVALID_RTSTRUCTURE_RECEIVED"
	StatusRTStructExported        ProcessingStatus = "RTSTRUCTURE_EXPORTED"
	StatusRTStructExportFailed    ProcessingStatus = "RTSTRUCTURE_EXPORT_FAILED"
)

// allowedTransitions encodes the series state DAG.
var allowedTransitions = map[ProcessingStatus][]ProcessingStatus{
	StatusUnprocessed:          {StatusRuleMatched, StatusRuleNotMatched, StatusMultipleRulesMatched},
	StatusRuleMatched:          {StatusDeidentified, StatusDeidentificationFailed},
	StatusMultipleRulesMatched: {StatusDeidentified, StatusDeidentificationFailed},
	StatusDeidentified:         {StatusPendingTransfer, StatusFailedTransfer},
	StatusPendingTransfer:      {StatusSentToDrawServer, StatusFailedTransfer},
	StatusSentToDrawServer:     {StatusRTStructReceived, StatusInvalidRTStructReceived},
	StatusRTStructReceived:     {StatusRTStructExported, StatusRTStructExportFailed},
}

// CanTransition reports whether from->to is a forward edge of the state DAG.
// An explicit reset to Unprocessed is always permitted from a failed or
// terminal state.
func CanTransition(from, to ProcessingStatus) bool {
	if to == StatusUnprocessed {
		return IsRetryable(from) || from == StatusRTStructExported || from == StatusRuleNotMatched || from == StatusMultipleRulesMatched
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the state is a terminal-but-retryable failure.
func IsRetryable(s ProcessingStatus) bool {
	switch s {
	case StatusDeidentificationFailed, StatusFailedTransfer,
		StatusInvalidRTStructReceived, StatusRTStructExportFailed:
		return true
	}
	return false
}

// TransferStatus tracks one export archive's journey to the DRAW server.
type TransferStatus string

const (
	TransferPending             TransferStatus = "PENDING"
	TransferCompleted           TransferStatus = "COMPLETED"
	TransferFailed              TransferStatus = "FAILED"
	TransferRTStructReceived    TransferStatus = "RTSTRUCT_RECEIVED"
	TransferChecksumMatchFailed TransferStatus = "CHECKSUM_MATCH_FAILED"
	TransferInvalidRTStructFile TransferStatus = "INVALID_RTSTRUCT_FILE"
)

// Combinator joins a rule (or ruleset) with its successor.
type Combinator string

const (
	CombinatorAnd Combinator = "AND"
	CombinatorOr  Combinator = "OR"
)

// TransactionType classifies SCP transaction-log rows.
type TransactionType string

const (
	TxCEcho       TransactionType = "C-ECHO"
	TxCStore      TransactionType = "C-STORE"
	TxCFind       TransactionType = "C-FIND"
	TxCMove       TransactionType = "C-MOVE"
	TxCGet        TransactionType = "C-GET"
	TxAssociation TransactionType = "ASSOCIATION"
	TxCleanup     TransactionType = "CLEANUP"
)

// TransactionStatus is the outcome recorded for a transaction-log row.
type TransactionStatus string

const (
	TxSuccess  TransactionStatus = "SUCCESS"
	TxFailure  TransactionStatus = "FAILURE"
	TxRejected TransactionStatus = "REJECTED"
	TxTimeout  TransactionStatus = "TIMEOUT"
	TxAborted  TransactionStatus = "ABORTED"
)

// StorageLayout selects the directory structure for C-STOREd files.
type StorageLayout string

const (
	LayoutFlat      StorageLayout = "flat"
	LayoutByPatient StorageLayout = "by_patient"
	LayoutByStudy   StorageLayout = "by_study"
	LayoutBySeries  StorageLayout = "by_series"
	LayoutByDate    StorageLayout = "by_date"
)

// FilenameConvention selects how C-STOREd files are named.
type FilenameConvention string

const (
	FilenameSOPUID         FilenameConvention = "sop_uid"
	FilenameInstanceNumber FilenameConvention = "instance_number"
	FilenameTimestamp      FilenameConvention = "timestamp"
	FilenameSequential     FilenameConvention = "sequential"
)
