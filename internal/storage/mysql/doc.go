// Package mysql provides the MySQL connection pool, the embedded schema
// migrations, and the conversation history repositories (a JSON-lines file
// implementation for single-node deployments and a SQL implementation).
package mysql
