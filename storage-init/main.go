// Command storage-init creates the tables and the mail queue used by the
// API. Existing resources are left untouched.
package main

import (
	"context"
	"errors"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"kuva-api/config"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}
	cfg, err := config.StorageFromEnv()
	if err != nil {
		log.Fatal(err)
	}
	log.Info("storage init starting")
	ctx := context.Background()

	if err := createTables(ctx, cfg.ConnectionString, []string{cfg.TasksTable, cfg.UsersTable, cfg.ProjectsTable}); err != nil {
		log.Fatalf("create tables: %v", err)
	}
	if err := createQueue(ctx, cfg.ConnectionString, cfg.MailQueue); err != nil {
		log.Fatalf("create queue: %v", err)
	}
	log.WithFields(log.Fields{
		"tasks":    cfg.TasksTable,
		"users":    cfg.UsersTable,
		"projects": cfg.ProjectsTable,
		"mail":     cfg.MailQueue,
	}).Info("storage init complete")
}

func createTables(ctx context.Context, connStr string, names []string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		_, err := svc.NewClient(name).CreateTable(ctx, nil)
		if err != nil && !alreadyExists(err, string(aztables.TableAlreadyExists)) {
			return err
		}
		log.WithField("table", name).Debug("table ready")
	}
	return nil
}

func createQueue(ctx context.Context, connStr, name string) error {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	if _, err := q.Create(ctx, nil); err != nil && !alreadyExists(err, "QueueAlreadyExists") {
		return err
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
