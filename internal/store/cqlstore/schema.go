package cqlstore

// Timestamps are microseconds since the epoch. CQL timestamp columns
// keep milliseconds only.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS chat_messages_by_room (
		room_id     text,
		ts_us       bigint,
		message_id  text,
		body        text,
		sender_uid  text,
		sender_name text,
		PRIMARY KEY ((room_id), ts_us, message_id)
	) WITH CLUSTERING ORDER BY (ts_us ASC, message_id ASC)`,

	// Claims a draft id once, so a resent draft maps back to its message.
	`CREATE TABLE IF NOT EXISTS chat_message_ids (
		message_id text PRIMARY KEY,
		room_id    text,
		ts_us      bigint
	)`,

	// Last timestamp handed out per room, advanced with compare-and-set.
	`CREATE TABLE IF NOT EXISTS chat_room_clocks (
		room_id text PRIMARY KEY,
		last_us bigint
	)`,
}
