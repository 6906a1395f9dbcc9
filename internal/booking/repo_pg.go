package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type attemptRepoPG struct{ pool *pgxpool.Pool }

// NewAttemptRepoPG stores delivery attempts in the booking_attempt table.
func NewAttemptRepoPG(pool *pgxpool.Pool) AttemptLog { return &attemptRepoPG{pool: pool} }

const attemptCols = `id, submission_id, patient_id, doctor_id, appointment_date_time,
	attempt, status_code, outcome, error, duration_ms, created_at`

func (r *attemptRepoPG) scanAttempt(row pgx.Row) (*DeliveryAttempt, error) {
	var a DeliveryAttempt
	var errText *string
	var durationMS int64
	err := row.Scan(&a.ID, &a.SubmissionID, &a.PatientID, &a.DoctorID, &a.AppointmentDateTime,
		&a.Attempt, &a.StatusCode, &a.Outcome, &errText, &durationMS, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	if errText != nil {
		a.Error = *errText
	}
	a.Duration = time.Duration(durationMS) * time.Millisecond
	return &a, nil
}

func (r *attemptRepoPG) Record(ctx context.Context, a *DeliveryAttempt) error {
	var errText *string
	if a.Error != "" {
		errText = &a.Error
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO booking_attempt (id, submission_id, patient_id, doctor_id, appointment_date_time,
			attempt, status_code, outcome, error, duration_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.ID, a.SubmissionID, a.PatientID, a.DoctorID, a.AppointmentDateTime,
		a.Attempt, a.StatusCode, a.Outcome, errText, a.Duration.Milliseconds(), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert booking attempt: %w", err)
	}
	return nil
}

func (r *attemptRepoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*DeliveryAttempt, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM booking_attempt WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count booking attempts: %w", err)
	}

	rows, err := r.pool.Query(ctx, `SELECT `+attemptCols+` FROM booking_attempt
		WHERE patient_id = $1 ORDER BY created_at DESC, attempt DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query booking attempts: %w", err)
	}
	defer rows.Close()

	var items []*DeliveryAttempt
	for rows.Next() {
		a, err := r.scanAttempt(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan booking attempt: %w", err)
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}
