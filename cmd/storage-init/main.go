// Command storage-init creates the Azure table and queue the server uses for
// persistence and intent ingestion. Existing resources are left untouched.
package main

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := createTable(ctx, connStr, os.Getenv("TASKS_TABLE")); err != nil {
		log.Fatalf("create table: %v", err)
	}
	if err := createQueue(ctx, connStr, os.Getenv("INTENT_QUEUE")); err != nil {
		log.Fatalf("create queue: %v", err)
	}

	log.Info("storage init complete")
}

func createTable(ctx context.Context, connStr, name string) error {
	if name == "" {
		log.Debug("TASKS_TABLE not set, skipping table")
		return nil
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
			log.WithField("table", name).Info("table already exists")
			return nil
		}
		return err
	}
	log.WithField("table", name).Info("table created")
	return nil
}

func createQueue(ctx context.Context, connStr, name string) error {
	if name == "" {
		log.Debug("INTENT_QUEUE not set, skipping queue")
		return nil
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	if _, err := q.Create(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists" {
			log.WithField("queue", name).Info("queue already exists")
			return nil
		}
		return err
	}
	log.WithField("queue", name).Info("queue created")
	return nil
}
