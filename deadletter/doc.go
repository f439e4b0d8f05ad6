// Package deadletter archives dead-lettered messages in a full-text index so
// operators can find out why work was dropped.
//
// Run consumes the dead-letter lane with its own consumer group and indexes
// each message with its provenance. Search accepts bleve query-string syntax:
//
//	archive.Search(ctx, "reason:expired", 20)
//	archive.Search(ctx, "+task_type:extraction input_data", 20)
package deadletter
