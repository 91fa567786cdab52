package models

import (
	"github.com/mmdatafocus/ledger_backend/config"
)

// AllTables lists every persisted model in creation order.
func AllTables() []interface{} {
	return []interface{}{
		&Account{}, &SequenceCounter{},
		&Entry{}, &EntryLine{},
		&LedgerRecord{}, &CategoryChange{}, &CashFlowRule{},
		&BankStatement{}, &BankStatementLine{}, &ReconciliationSession{},
		&PeriodClosing{}, &PeriodClosingEntry{},
		&IntegrityIssueRecord{},
		&DomainEventRecord{},
		&IdempotencyKey{},
	}
}

func MigrateTable() error {
	db := config.GetDB()
	return db.AutoMigrate(AllTables()...)
}
