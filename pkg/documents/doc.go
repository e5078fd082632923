// Package documents renders invoices and statements of account to HTML,
// stores them in an object store and queues them for email delivery.
//
// Object stores:
//
//   - FilesystemStore writes under a root directory
//   - S3Store writes to an S3 compatible bucket (AWS, MinIO)
//
// Publisher implements billing.Publisher and is called by the scheduler
// after each committed account. Its failures never roll back billing.
package documents
