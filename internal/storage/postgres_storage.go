package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	appErr "github.com/samims/dispatch/internal/errors"
	"github.com/samims/dispatch/internal/model"
)

//go:embed schema.sql
var Schema string

type PostgresStorage struct {
	db *pgxpool.Pool
}

func NewPostgresStorage(pool *pgxpool.Pool) Storage {
	return &PostgresStorage{db: pool}
}

// ApplySchema creates missing tables. It is idempotent.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (ps *PostgresStorage) Ping(ctx context.Context) error {
	return ps.db.Ping(ctx)
}

func lookupErr(err error, format string, a ...interface{}) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return appErr.NewNotFound(format, a...)
	}
	return fmt.Errorf(format+": %w", append(a, err)...)
}

func (ps *PostgresStorage) GetApp(ctx context.Context, id string) (model.App, error) {
	const query = `
		SELECT id, name, apns_key_id, apns_team_id, apns_bundle_id, apns_private_key, apns_production,
		       fcm_service_account, vapid_public_key, vapid_private_key, vapid_subject, created_at, updated_at
		FROM apps
		WHERE id = $1
	`
	var a model.App
	err := ps.db.QueryRow(ctx, query, id).Scan(
		&a.ID, &a.Name, &a.APNsKeyID, &a.APNsTeamID, &a.APNsBundleID, &a.APNsPrivateKey, &a.APNsProduction,
		&a.FCMServiceAccount, &a.VAPIDPublicKey, &a.VAPIDPrivateKey, &a.VAPIDSubject, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return model.App{}, lookupErr(err, "app %s", id)
	}
	return a, nil
}

const deviceColumns = `id, app_id, user_id, platform, token, web_push_p256dh, web_push_auth, status, last_seen_at, created_at, updated_at`

func scanDevice(row pgx.Row) (model.Device, error) {
	var d model.Device
	err := row.Scan(&d.ID, &d.AppID, &d.UserID, &d.Platform, &d.Token, &d.WebPushP256dh, &d.WebPushAuth,
		&d.Status, &d.LastSeenAt, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (ps *PostgresStorage) UpsertDevice(ctx context.Context, d model.Device) (model.Device, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = model.DeviceActive
	}
	query := `
		INSERT INTO devices (id, app_id, user_id, platform, token, web_push_p256dh, web_push_auth, status, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (app_id, token, user_id) DO UPDATE
		SET platform = EXCLUDED.platform,
		    web_push_p256dh = EXCLUDED.web_push_p256dh,
		    web_push_auth = EXCLUDED.web_push_auth,
		    status = EXCLUDED.status,
		    last_seen_at = now(),
		    updated_at = now()
		RETURNING ` + deviceColumns
	out, err := scanDevice(ps.db.QueryRow(ctx, query,
		d.ID, d.AppID, d.UserID, d.Platform, d.Token, d.WebPushP256dh, d.WebPushAuth, d.Status))
	if err != nil {
		return model.Device{}, fmt.Errorf("failed to upsert device: %w", err)
	}
	return out, nil
}

func (ps *PostgresStorage) GetDevice(ctx context.Context, id string) (model.Device, error) {
	d, err := scanDevice(ps.db.QueryRow(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id))
	if err != nil {
		return model.Device{}, lookupErr(err, "device %s", id)
	}
	return d, nil
}

func (ps *PostgresStorage) ListActiveDevices(ctx context.Context, appID string, filter DeviceFilter) ([]model.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE app_id = $1 AND status = 'ACTIVE'`
	args := []any{appID}
	if len(filter.IDs) > 0 {
		query += ` AND id = ANY($2)`
		args = append(args, filter.IDs)
	} else {
		if len(filter.Platforms) > 0 {
			platforms := make([]string, len(filter.Platforms))
			for i, p := range filter.Platforms {
				platforms[i] = string(p)
			}
			args = append(args, platforms)
			query += fmt.Sprintf(` AND platform = ANY($%d)`, len(args))
		}
		if len(filter.UserIDs) > 0 {
			args = append(args, filter.UserIDs)
			query += fmt.Sprintf(` AND user_id = ANY($%d)`, len(args))
		}
	}
	query += ` ORDER BY created_at`

	rows, err := ps.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query devices failed: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration failed: %w", err)
	}
	return devices, nil
}

func (ps *PostgresStorage) UpdateDeviceStatus(ctx context.Context, id string, status model.DeviceStatus) error {
	tag, err := ps.db.Exec(ctx, `UPDATE devices SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return appErr.NewNotFound("device %s", id)
	}
	return nil
}

const notificationColumns = `id, app_id, payload, target, scheduled_at, dispatched_at, status, total_targets,
	total_sent, total_delivered, total_failed, total_clicked, created_at, updated_at`

func scanNotification(row pgx.Row) (model.Notification, error) {
	var n model.Notification
	err := row.Scan(&n.ID, &n.AppID, &n.Payload, &n.Target, &n.ScheduledAt, &n.DispatchedAt, &n.Status, &n.TotalTargets,
		&n.TotalSent, &n.TotalDelivered, &n.TotalFailed, &n.TotalClicked, &n.CreatedAt, &n.UpdatedAt)
	return n, err
}

func (ps *PostgresStorage) CreateNotification(ctx context.Context, n model.Notification) error {
	const query = `
		INSERT INTO notifications (id, app_id, payload, target, scheduled_at, status, total_targets)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := ps.db.Exec(ctx, query, n.ID, n.AppID, n.Payload, n.Target, n.ScheduledAt, n.Status, n.TotalTargets); err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}

func (ps *PostgresStorage) GetNotification(ctx context.Context, id string) (model.Notification, error) {
	n, err := scanNotification(ps.db.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if err != nil {
		return model.Notification{}, lookupErr(err, "notification %s", id)
	}
	return n, nil
}

func (ps *PostgresStorage) SetNotificationTargets(ctx context.Context, id string, total int) error {
	return ps.execOne(ctx, "notification", id,
		`UPDATE notifications SET total_targets = $1, updated_at = now() WHERE id = $2`, total, id)
}

func (ps *PostgresStorage) UpdateNotificationStatus(ctx context.Context, id string, status model.NotificationStatus) error {
	return ps.execOne(ctx, "notification", id,
		`UPDATE notifications SET status = $1, updated_at = now() WHERE id = $2`, status, id)
}

func (ps *PostgresStorage) ClaimNotificationDispatch(ctx context.Context, id string) (model.Notification, error) {
	query := `
		UPDATE notifications
		SET status = 'PENDING', dispatched_at = now(), updated_at = now()
		WHERE id = $1 AND dispatched_at IS NULL AND status IN ('PENDING', 'SCHEDULED')
		RETURNING ` + notificationColumns
	n, err := scanNotification(ps.db.QueryRow(ctx, query, id))
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Notification{}, fmt.Errorf("failed to claim notification %s: %w", id, err)
	}
	cur, err := ps.GetNotification(ctx, id)
	if err != nil {
		return model.Notification{}, err
	}
	return model.Notification{}, appErr.NewConflict("notification %s is already dispatched (%s)", id, cur.Status)
}

func (ps *PostgresStorage) ReleaseNotificationDispatch(ctx context.Context, id string) error {
	return ps.execOne(ctx, "notification", id,
		`UPDATE notifications SET dispatched_at = NULL, updated_at = now() WHERE id = $1`, id)
}

func (ps *PostgresStorage) IncrementNotificationCounters(ctx context.Context, id string, sent, failed int) (model.Notification, error) {
	query := `
		UPDATE notifications
		SET total_sent = total_sent + $2, total_failed = total_failed + $3, updated_at = now()
		WHERE id = $1
		RETURNING ` + notificationColumns
	n, err := scanNotification(ps.db.QueryRow(ctx, query, id, sent, failed))
	if err != nil {
		return model.Notification{}, lookupErr(err, "notification %s", id)
	}
	return n, nil
}

func (ps *PostgresStorage) InsertDeliveryLog(ctx context.Context, l model.DeliveryLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	const query = `
		INSERT INTO delivery_logs (id, notification_id, app_id, device_id, channel_id, recipient, status,
		                           provider_response, error_message, attempts, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := ps.db.Exec(ctx, query, l.ID, l.NotificationID, l.AppID, l.DeviceID, l.ChannelID, l.Recipient,
		l.Status, l.ProviderResponse, l.ErrorMessage, l.Attempts, l.SentAt)
	if err != nil {
		return fmt.Errorf("failed to insert delivery log: %w", err)
	}
	return nil
}

func (ps *PostgresStorage) ListDeliveryLogs(ctx context.Context, notificationID string) ([]model.DeliveryLog, error) {
	const query = `
		SELECT id, notification_id, app_id, device_id, channel_id, recipient, status, provider_response,
		       error_message, attempts, sent_at, delivered_at, opened_at, clicked_at, created_at
		FROM delivery_logs
		WHERE notification_id = $1
		ORDER BY created_at
	`
	rows, err := ps.db.Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("query delivery logs failed: %w", err)
	}
	defer rows.Close()

	var logs []model.DeliveryLog
	for rows.Next() {
		var l model.DeliveryLog
		if err := rows.Scan(&l.ID, &l.NotificationID, &l.AppID, &l.DeviceID, &l.ChannelID, &l.Recipient, &l.Status,
			&l.ProviderResponse, &l.ErrorMessage, &l.Attempts, &l.SentAt, &l.DeliveredAt, &l.OpenedAt,
			&l.ClickedAt, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

const channelColumns = `id, app_id, name, type, config, is_active, created_at, updated_at`

func scanChannel(row pgx.Row) (model.Channel, error) {
	var (
		c   model.Channel
		cfg []byte
	)
	err := row.Scan(&c.ID, &c.AppID, &c.Name, &c.Type, &cfg, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	c.Config = cfg
	return c, err
}

func (ps *PostgresStorage) GetChannel(ctx context.Context, id string) (model.Channel, error) {
	c, err := scanChannel(ps.db.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
	if err != nil {
		return model.Channel{}, lookupErr(err, "channel %s", id)
	}
	return c, nil
}

func (ps *PostgresStorage) FindActiveChannel(ctx context.Context, appID string, t model.ChannelType) (model.Channel, error) {
	query := `SELECT ` + channelColumns + `
		FROM channels
		WHERE app_id = $1 AND type = $2 AND is_active
		ORDER BY created_at
		LIMIT 1`
	c, err := scanChannel(ps.db.QueryRow(ctx, query, appID, t))
	if err != nil {
		return model.Channel{}, lookupErr(err, "active %s channel for app %s", t, appID)
	}
	return c, nil
}

func (ps *PostgresStorage) GetTemplate(ctx context.Context, id string) (model.Template, error) {
	const query = `
		SELECT id, app_id, channel_id, type, name, subject, body, html_body, created_at
		FROM templates
		WHERE id = $1
	`
	var t model.Template
	err := ps.db.QueryRow(ctx, query, id).Scan(&t.ID, &t.AppID, &t.ChannelID, &t.Type, &t.Name, &t.Subject,
		&t.Body, &t.HTMLBody, &t.CreatedAt)
	if err != nil {
		return model.Template{}, lookupErr(err, "template %s", id)
	}
	return t, nil
}

func (ps *PostgresStorage) GetContact(ctx context.Context, appID, idOrExternalID string) (model.Contact, error) {
	const query = `
		SELECT id, app_id, external_id, email, phone, discord_webhook, telegram_chat_id, attributes, created_at
		FROM contacts
		WHERE app_id = $1 AND (id = $2 OR external_id = $2)
		LIMIT 1
	`
	var c model.Contact
	err := ps.db.QueryRow(ctx, query, appID, idOrExternalID).Scan(&c.ID, &c.AppID, &c.ExternalID, &c.Email,
		&c.Phone, &c.DiscordWebhook, &c.TelegramChatID, &c.Attributes, &c.CreatedAt)
	if err != nil {
		return model.Contact{}, lookupErr(err, "contact %s", idOrExternalID)
	}
	return c, nil
}

func (ps *PostgresStorage) InsertInAppMessage(ctx context.Context, m model.InAppMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	data := m.Data
	if data == nil {
		data = map[string]any{}
	}
	_, err := ps.db.Exec(ctx,
		`INSERT INTO in_app_messages (id, app_id, contact_id, subject, body, data) VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.AppID, m.ContactID, m.Subject, m.Body, data)
	if err != nil {
		return fmt.Errorf("failed to insert in-app message: %w", err)
	}
	return nil
}

const workflowColumns = `id, app_id, name, trigger_id, status, created_at, updated_at`

func scanWorkflow(row pgx.Row) (model.Workflow, error) {
	var w model.Workflow
	err := row.Scan(&w.ID, &w.AppID, &w.Name, &w.TriggerID, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

func (ps *PostgresStorage) GetWorkflow(ctx context.Context, id string) (model.Workflow, error) {
	w, err := scanWorkflow(ps.db.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id))
	if err != nil {
		return model.Workflow{}, lookupErr(err, "workflow %s", id)
	}
	return w, nil
}

func (ps *PostgresStorage) FindWorkflowByTrigger(ctx context.Context, appID, triggerID string) (model.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE app_id = $1 AND trigger_id = $2
		ORDER BY (status = 'ACTIVE') DESC, created_at LIMIT 1`
	w, err := scanWorkflow(ps.db.QueryRow(ctx, query, appID, triggerID))
	if err != nil {
		return model.Workflow{}, lookupErr(err, "workflow with trigger %s", triggerID)
	}
	return w, nil
}

func (ps *PostgresStorage) ListSteps(ctx context.Context, workflowID string) ([]model.WorkflowStep, error) {
	const query = `
		SELECT id, workflow_id, step_order, type, config
		FROM workflow_steps
		WHERE workflow_id = $1
		ORDER BY step_order
	`
	rows, err := ps.db.Query(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("query steps failed: %w", err)
	}
	defer rows.Close()

	var steps []model.WorkflowStep
	for rows.Next() {
		var (
			s   model.WorkflowStep
			cfg []byte
		)
		if err := rows.Scan(&s.ID, &s.WorkflowID, &s.Order, &s.Type, &cfg); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		s.Config = cfg
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func (ps *PostgresStorage) CreateExecution(ctx context.Context, e model.WorkflowExecution) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	const query = `
		INSERT INTO workflow_executions (id, workflow_id, app_id, contact_id, status, current_step_order, payload, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	startedAt := e.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	if _, err := ps.db.Exec(ctx, query, e.ID, e.WorkflowID, e.AppID, e.ContactID, e.Status, e.CurrentStepOrder,
		payload, startedAt); err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

func (ps *PostgresStorage) GetExecution(ctx context.Context, id string) (model.WorkflowExecution, error) {
	const query = `
		SELECT id, workflow_id, app_id, contact_id, status, current_step_order, payload, error_message,
		       started_at, completed_at, updated_at
		FROM workflow_executions
		WHERE id = $1
	`
	var e model.WorkflowExecution
	err := ps.db.QueryRow(ctx, query, id).Scan(&e.ID, &e.WorkflowID, &e.AppID, &e.ContactID, &e.Status,
		&e.CurrentStepOrder, &e.Payload, &e.ErrorMessage, &e.StartedAt, &e.CompletedAt, &e.UpdatedAt)
	if err != nil {
		return model.WorkflowExecution{}, lookupErr(err, "execution %s", id)
	}
	return e, nil
}

func (ps *PostgresStorage) SetCurrentStep(ctx context.Context, executionID string, order int) error {
	return ps.execOne(ctx, "execution", executionID,
		`UPDATE workflow_executions SET current_step_order = $1, updated_at = now() WHERE id = $2`, order, executionID)
}

func (ps *PostgresStorage) FinishExecution(ctx context.Context, executionID string, status model.ExecutionStatus, errMsg string) error {
	const query = `
		UPDATE workflow_executions
		SET status = $1, error_message = $2, completed_at = now(), updated_at = now()
		WHERE id = $3 AND status = 'RUNNING'
	`
	tag, err := ps.db.Exec(ctx, query, status, errMsg, executionID)
	if err != nil {
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return appErr.NewConflict("execution %s is not running", executionID)
	}
	return nil
}

func (ps *PostgresStorage) MarkStepRun(ctx context.Context, executionID string, order int) (bool, error) {
	tag, err := ps.db.Exec(ctx,
		`INSERT INTO workflow_step_runs (execution_id, step_order) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		executionID, order)
	if err != nil {
		return false, fmt.Errorf("failed to mark step run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (ps *PostgresStorage) ListActiveHooks(ctx context.Context, appID string) ([]model.Hook, error) {
	const query = `
		SELECT id, app_id, url, secret, events, is_active, created_at
		FROM hooks
		WHERE app_id = $1 AND is_active
	`
	rows, err := ps.db.Query(ctx, query, appID)
	if err != nil {
		return nil, fmt.Errorf("query hooks failed: %w", err)
	}
	defer rows.Close()

	var hooks []model.Hook
	for rows.Next() {
		var h model.Hook
		if err := rows.Scan(&h.ID, &h.AppID, &h.URL, &h.Secret, &h.Events, &h.IsActive, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		hooks = append(hooks, h)
	}
	return hooks, rows.Err()
}

func (ps *PostgresStorage) execOne(ctx context.Context, kind, id, query string, args ...any) error {
	tag, err := ps.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return appErr.NewNotFound("%s %s", kind, id)
	}
	return nil
}
