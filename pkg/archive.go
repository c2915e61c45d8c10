package pkg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/goutils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	// Add fs support
	_ "github.com/beyondstorage/go-service-fs/v3"
	"github.com/beyondstorage/go-storage/v4/services"
	"github.com/beyondstorage/go-storage/v4/types"

	_ "github.com/beyondstorage/go-service-azblob/v2"
	_ "github.com/beyondstorage/go-service-cos/v2"
	_ "github.com/beyondstorage/go-service-dropbox/v2"
	_ "github.com/beyondstorage/go-service-gcs/v2"
	_ "github.com/beyondstorage/go-service-kodo/v2"
	_ "github.com/beyondstorage/go-service-oss/v2"
	_ "github.com/beyondstorage/go-service-qingstor/v3"
	_ "github.com/beyondstorage/go-service-s3/v2"
)

var _ FiredTriggerSink = (*TriggerArchive)(nil)

// @formatter:off
/// [config]
type ArchiveConfig struct {
	// go-storage connection string, e.g. `fs:///var/lib/triggerd/archive`
	// or `s3://bucket/prefix?credential=env`. If empty, fired triggers are
	// not archived.
	Conn string `mapstructure:"conn"`
}

/// [config]
// @formatter:on

func GetStoragerFromString(connectionString string) (types.Storager, error) {
	return services.NewStoragerFromString(connectionString)
}

// TriggerArchive stores a JSON record of every fired trigger.
type TriggerArchive struct {
	storager types.Storager
	log      logrus.FieldLogger
}

func NewTriggerArchive(config *ArchiveConfig, log logrus.FieldLogger) (*TriggerArchive, error) {
	log = log.WithField("component", "archive")

	storager, err := GetStoragerFromString(config.Conn)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to initialize archive storage")
	}

	// Check that we can write there
	nowNano := time.Now().UnixNano()
	rand, _ := goutils.RandomAlphaNumeric(8)
	p := fmt.Sprintf("testwrite-%d-%s", nowNano, rand)

	b := []byte(fmt.Sprintf("%d", nowNano))
	if _, err := storager.Write(p, bytes.NewBuffer(b), int64(len(b))); err != nil {
		return nil, errors.WithMessage(err, "failed to check if archive storage is writable")
	}

	log.WithField("path", p).Debug("written check writable file")

	// Clean up if possible
	if err := storager.Delete(p); err != nil {
		log.WithError(err).Debug("failed to remove check writable archive file")
	}

	return &TriggerArchive{storager, log}, nil
}

func archivePath(fired *FiredTrigger) string {
	t := fired.Trigger
	return fmt.Sprintf("%s/%s/%d-%d.json", t.EntityType, t.EntityId, t.Id, fired.FiredAt.UnixNano())
}

func (a *TriggerArchive) TriggerFired(_ context.Context, fired *FiredTrigger) error {
	b, err := json.Marshal(fired)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal fired trigger")
	}

	p := archivePath(fired)
	if _, err := a.storager.Write(p, bytes.NewReader(b), int64(len(b))); err != nil {
		return errors.WithMessagef(err, "failed to archive fired trigger to %s", p)
	}

	a.log.WithField("path", p).Debug("archived fired trigger")
	return nil
}
