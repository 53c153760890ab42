package sqlutil

import "database/sql"

// The Writer interface is designed to solve the problem of how
// to handle database writes for database engines that don't allow
// concurrent writes, e.g. SQLite.
//
// The interface has a single Do function which takes an optional
// database parameter, an optional transaction parameter and a
// required function parameter. The Do function will call the
// function parameter.
//
// If a transaction is supplied then it will be passed through to
// the function. If a database is supplied but no transaction is
// supplied then the Writer will begin a new transaction on that
// database and pass it to the function, committing it when done or
// rolling it back if an error is returned. If neither a transaction
// nor a database is supplied then nil is passed to the function.
type Writer interface {
	// Queue up one or more database write operations within the
	// provided function to be executed when it is safe to do so.
	Do(db *sql.DB, txn *sql.Tx, f func(txn *sql.Tx) error) error
}
