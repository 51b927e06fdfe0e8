package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"

	"github.com/embermail/embermail/internal/repository/postgres"
)

func main() {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		}
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}
	log.Println("Connected to database")

	if listOnly {
		rows, err := db.Query(`
			SELECT tablename FROM pg_tables
			WHERE schemaname = 'public'
			  AND tablename IN ('sending_domains','campaigns','delivery_attempts','bulk_jobs','list_recipients')
			ORDER BY tablename
		`)
		if err != nil {
			log.Fatal(err)
		}
		defer rows.Close()
		n := 0
		for rows.Next() {
			var t string
			rows.Scan(&t)
			fmt.Println(" ", t)
			n++
		}
		fmt.Printf("Total: %d tables\n", n)
		return
	}

	if err := postgres.Migrate(context.Background(), db); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("Migrations complete")
}
