// Package stores persists run history. The SQLite store records every
// sealed transcript with its run outcome, serving the runs list, show and
// diff commands. It uses WAL mode and embedded migrations, and implements
// engine.TranscriptSink so the reconciler can save transcripts without
// knowing about the database.
package stores
