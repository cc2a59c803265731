package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	pool, err := pgxpool.New(context.Background(), os.Getenv("POSTGRES_CONN_STR"))
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	ctx := context.Background()

	if len(os.Args) > 1 && os.Args[1] == "staging" {
		// Staging tables should be empty outside a running batch; leftover
		// rows mean a sink crashed mid write.
		rows, _ := pool.Query(ctx, `
			SELECT table_name FROM information_schema.tables
			WHERE table_schema = 'staging' ORDER BY table_name
		`)
		defer rows.Close()
		found := false
		for rows.Next() {
			found = true
			var name string
			rows.Scan(&name)
			var count int64
			pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM staging.%q`, name)).Scan(&count)
			fmt.Printf("  staging.%-30s %d rows\n", name, count)
		}
		if !found {
			fmt.Println("  (no staging tables)")
		}
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "vehicles" {
		investigateVehicles(ctx, pool)
		return
	}

	// Default: table counts
	tables := []string{"messages", "events", "stationevents"}
	fmt.Println("Table                    Count")
	fmt.Println("─────────────────────────────────")
	for _, t := range tables {
		var count int64
		pool.QueryRow(ctx, "SELECT count(*) FROM "+t).Scan(&count)
		fmt.Printf("%-25s %d\n", t, count)
	}
}

func investigateVehicles(ctx context.Context, pool *pgxpool.Pool) {
	// 1. Message volume and time range per vehicle
	fmt.Println("── Messages Per Vehicle ──")
	rows, _ := pool.Query(ctx, `
		SELECT vehicle_id, count(*), min(tst), max(tst)
		FROM messages GROUP BY vehicle_id ORDER BY vehicle_id::int
	`)
	defer rows.Close()
	for rows.Next() {
		var vehicle string
		var count int64
		var first, last interface{}
		rows.Scan(&vehicle, &count, &first, &last)
		fmt.Printf("  vehicle=%-4s %10d messages  %v .. %v\n", vehicle, count, first, last)
	}

	// 2. Event type distribution
	fmt.Println("\n── Event Types ──")
	rows2, _ := pool.Query(ctx, `
		SELECT event_type, count(*) FROM events GROUP BY event_type ORDER BY count(*) DESC
	`)
	defer rows2.Close()
	for rows2.Next() {
		var eventType string
		var count int64
		rows2.Scan(&eventType, &count)
		fmt.Printf("  %-25s %d\n", eventType, count)
	}

	// 3. Station visits missing an arrival or departure time
	fmt.Println("\n── Incomplete Station Visits ──")
	var noArrival, noDeparture int64
	pool.QueryRow(ctx, `SELECT count(*) FROM stationevents WHERE data->>'time_arrived' IS NULL`).Scan(&noArrival)
	pool.QueryRow(ctx, `SELECT count(*) FROM stationevents WHERE data->>'time_departed' IS NULL`).Scan(&noDeparture)
	fmt.Printf("  Without time_arrived:  %d\n", noArrival)
	fmt.Printf("  Without time_departed: %d\n", noDeparture)

	// 4. Discarded and incomplete message share
	fmt.Println("\n── Flagged Messages ──")
	var discarded, incomplete int64
	pool.QueryRow(ctx, `SELECT count(*) FROM messages WHERE (message->>'discard')::bool`).Scan(&discarded)
	pool.QueryRow(ctx, `SELECT count(*) FROM messages WHERE (message->>'incomplete')::bool`).Scan(&incomplete)
	fmt.Printf("  Discarded:  %d\n", discarded)
	fmt.Printf("  Incomplete: %d\n", incomplete)
}
