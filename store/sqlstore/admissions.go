package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/expense-fund/fund"
)

// Admissions implements fund.AdmissionRegistry.
type Admissions struct {
	s *Store
}

// SaveAdmission records a student's admission year, replacing an earlier record.
func (a *Admissions) SaveAdmission(ctx context.Context, studentID fund.StudentID, year fund.AcademicYear) error {
	if studentID == "" || year == "" {
		return fmt.Errorf("%w: student id and admission year are required", fund.ErrInvalidInput)
	}
	_, err := a.s.db.ExecContext(ctx, a.s.q(`INSERT INTO admissions (student_id, academic_year, recorded_at)
		VALUES (?, ?, ?)
		ON CONFLICT (student_id) DO UPDATE SET academic_year = excluded.academic_year,
			recorded_at = excluded.recorded_at`),
		studentID, year, a.s.now())
	if err != nil {
		return fmt.Errorf("failed to save admission for %s: %w", studentID, err)
	}
	return nil
}

func (a *Admissions) AdmissionYear(ctx context.Context, studentID fund.StudentID) (fund.AcademicYear, error) {
	var year string
	err := a.s.db.QueryRowContext(ctx, a.s.q(`SELECT academic_year FROM admissions WHERE student_id = ?`),
		studentID).Scan(&year)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: admission for %s", fund.ErrNotFound, studentID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load admission for %s: %w", studentID, err)
	}
	return fund.AcademicYear(year), nil
}
