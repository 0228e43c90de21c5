package dbqueue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/example/dbchangerelay/internal/classify"
	"github.com/example/dbchangerelay/internal/models"
)

// receiveSQL performs a blocking RECEIVE of at most one message from
// queueName, waiting up to the server-side WAITFOR timeout. It binds
// exactly the fields spec'd for the queue receive.
const receiveSQL = `WAITFOR (
	RECEIVE TOP(1)
		conversation_handle,
		message_type_name,
		message_body,
		message_enqueue_time,
		message_sequence_number,
		priority,
		conversation_group_id,
		service_name,
		service_contract_name
	FROM %s
), TIMEOUT @p1;`

// endConversationSQL acknowledges (ends) the given conversation handle.
const endConversationSQL = `END CONVERSATION @p1;`

// Dequeuer executes the blocking-receive against one queue.
type Dequeuer struct {
	queueName string
}

// NewDequeuer constructs a Dequeuer bound to queueName. The queue name is
// interpolated into the RECEIVE statement's FROM clause because SQL
// Server does not allow parameterizing object names; it is validated
// against maxQueueNameLength and originates from trusted configuration,
// never from message content.
func NewDequeuer(queueName string) *Dequeuer {
	return &Dequeuer{queueName: queueName}
}

// waitTimeoutMillis bounds each WAITFOR call so the receive periodically
// returns to let the worker observe cancellation even without a message.
const waitTimeoutMillis = 5000

// Receive executes one blocking-receive call. It returns (nil, nil) if the
// WAITFOR completes without a row (timeout), a populated RawMessage on
// success, or a classified error otherwise. ctx cancellation aborts the
// in-flight call.
func (d *Dequeuer) Receive(ctx context.Context, tx *sql.Tx, workerID int64) (*models.RawMessage, error) {
	query := fmt.Sprintf(receiveSQL, d.queueName)

	row := tx.QueryRowContext(ctx, query, waitTimeoutMillis)

	var (
		handle              string
		msgType             string
		body                sql.NullString
		enqueuedAt          sql.NullTime
		sequenceNumber      sql.NullInt64
		priority            sql.NullInt64
		conversationGroupID sql.NullString
		serviceName         sql.NullString
		contractName        sql.NullString
	)

	err := row.Scan(&handle, &msgType, &body, &enqueuedAt, &sequenceNumber, &priority, &conversationGroupID, &serviceName, &contractName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify.SQLError(ctx, err)
	}

	msg := &models.RawMessage{
		ConversationHandle:  handle,
		MessageTypeName:     msgType,
		MessageBody:         body.String,
		EnqueuedAt:          enqueuedAt.Time,
		ServiceName:         serviceName.String,
		ContractName:        contractName.String,
		ConversationGroupID: conversationGroupID.String,
		WorkerID:            workerID,
	}
	if sequenceNumber.Valid {
		v := sequenceNumber.Int64
		msg.SequenceNumber = &v
	}
	if priority.Valid {
		v := int(priority.Int64)
		msg.Priority = &v
	}
	return msg, nil
}

// Acknowledge ends the conversation identified by handle within tx. The
// caller commits tx afterward.
func (d *Dequeuer) Acknowledge(ctx context.Context, tx *sql.Tx, handle string) error {
	if _, err := tx.ExecContext(ctx, endConversationSQL, handle); err != nil {
		return classify.SQLError(ctx, err)
	}
	return nil
}
