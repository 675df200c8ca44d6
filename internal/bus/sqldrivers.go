package bus

import (
	// Blank imports register the database drivers the sql and riverqueue
	// publishers open connections through.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)
