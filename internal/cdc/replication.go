package cdc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/panelsync/panelsync/internal/logging"
)

const (
	OutputPlugin = "pgoutput"

	receiveTimeout       = 10 * time.Second
	duplicateObjectError = "42710"
)

type ReplicationConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string

	SlotName        string
	PublicationName string
	// ReplicaIdentityFull makes published tables send full before images.
	ReplicaIdentityFull bool
}

func (c *ReplicationConfig) connString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		c.Host, c.Port, c.Database, c.User, c.Password)
}

// ReplicationClient streams a logical replication slot and hands every
// decoded row change of a modelled table to its handler.
type ReplicationClient struct {
	config  *ReplicationConfig
	conn    *pgconn.PgConn
	decoder *walDecoder
	handler EventHandler
	logger  *zerolog.Logger

	processedLSN pglogrepl.LSN
}

func NewReplicationClient(config *ReplicationConfig, handler EventHandler, logger *zerolog.Logger) *ReplicationClient {
	return &ReplicationClient{
		config:  config,
		decoder: newWALDecoder(time.Now),
		handler: handler,
		logger:  logging.Component(logger, "replication"),
	}
}

func (rc *ReplicationClient) Connect(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, rc.config.connString()+" replication=database")
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	rc.conn = conn
	return nil
}

// CreateSlotIfNotExists creates the slot; an existing slot is reused so
// restarts resume where the server last confirmed.
func (rc *ReplicationClient) CreateSlotIfNotExists(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	result, err := pglogrepl.CreateReplicationSlot(ctx, rc.conn, rc.config.SlotName, OutputPlugin,
		pglogrepl.CreateReplicationSlotOptions{})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == duplicateObjectError {
			rc.logger.Debug().Str("slot", rc.config.SlotName).Msg("Reusing replication slot")
			return nil
		}
		return fmt.Errorf("failed to create replication slot: %w", err)
	}

	rc.logger.Info().
		Str("slot", result.SlotName).
		Str("lsn", result.ConsistentPoint).
		Msg("Created replication slot")
	return nil
}

func (rc *ReplicationClient) StartReplication(ctx context.Context, from pglogrepl.LSN) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	opts := pglogrepl.StartReplicationOptions{
		PluginArgs: []string{
			"proto_version '1'",
			fmt.Sprintf("publication_names '%s'", rc.config.PublicationName),
		},
	}
	if err := pglogrepl.StartReplication(ctx, rc.conn, rc.config.SlotName, from, opts); err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}
	return nil
}

// ReceiveMessage waits up to receiveTimeout for one protocol message. A quiet
// connection is not an error.
func (rc *ReplicationClient) ReceiveMessage(ctx context.Context) error {
	if rc.conn == nil {
		return fmt.Errorf("not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, receiveTimeout)
	defer cancel()

	raw, err := rc.conn.ReceiveMessage(ctx)
	if err != nil {
		if pgconn.Timeout(err) {
			return nil
		}
		return fmt.Errorf("receive message failed: %w", err)
	}

	switch msg := raw.(type) {
	case *pgproto3.CopyData:
		if len(msg.Data) == 0 {
			return nil
		}
		switch msg.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			return rc.keepalive(ctx, msg.Data[1:])
		case pglogrepl.XLogDataByteID:
			return rc.xlog(msg.Data[1:])
		}
	case *pgproto3.ErrorResponse:
		return fmt.Errorf("replication error: %s", msg.Message)
	}
	return nil
}

// ProcessedLSN is the end of the last WAL record handed to the handler.
func (rc *ReplicationClient) ProcessedLSN() pglogrepl.LSN {
	return rc.processedLSN
}

func (rc *ReplicationClient) keepalive(ctx context.Context, data []byte) error {
	ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(data)
	if err != nil {
		return fmt.Errorf("failed to parse keepalive: %w", err)
	}
	if !ka.ReplyRequested {
		return nil
	}

	confirmed := rc.processedLSN
	if confirmed == 0 {
		confirmed = ka.ServerWALEnd
	}
	return pglogrepl.SendStandbyStatusUpdate(ctx, rc.conn,
		pglogrepl.StandbyStatusUpdate{WALWritePosition: confirmed})
}

func (rc *ReplicationClient) xlog(data []byte) error {
	xld, err := pglogrepl.ParseXLogData(data)
	if err != nil {
		return fmt.Errorf("failed to parse xlog data: %w", err)
	}

	msg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return fmt.Errorf("failed to parse logical replication message: %w", err)
	}

	event, err := rc.decoder.decode(msg)
	if err != nil {
		return err
	}
	if event != nil && rc.handler != nil {
		if err := rc.handler.HandleChange(event); err != nil {
			return err
		}
	}

	rc.processedLSN = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
	return nil
}

func (rc *ReplicationClient) Close(ctx context.Context) error {
	if rc.conn == nil {
		return nil
	}
	return rc.conn.Close(ctx)
}
