package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// JSONMap stores a string map as a serialized JSON column.
type JSONMap map[string]string

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		m = JSONMap{}
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

type projectRow struct {
	Project   string `gorm:"primaryKey;column:project;type:varchar(191)"`
	CreatedAt string `gorm:"column:created_at"`
	UpdatedAt string `gorm:"column:updated_at"`
}

func (projectRow) TableName() string { return "projects" }

type stepRow struct {
	Project    string  `gorm:"primaryKey;column:project;type:varchar(191)"`
	StepKey    string  `gorm:"primaryKey;column:step_key;type:varchar(191)"`
	Status     string  `gorm:"column:status"`
	StartedAt  string  `gorm:"column:started_at"`
	FinishedAt string  `gorm:"column:finished_at"`
	Error      string  `gorm:"column:error"`
	Outputs    JSONMap `gorm:"column:outputs;type:json"`
}

func (stepRow) TableName() string { return "steps" }

type artifactRow struct {
	Project        string `gorm:"primaryKey;column:project;type:varchar(191)"`
	SchemaFile     string `gorm:"column:schema_file"`
	ScreenplayFile string `gorm:"column:screenplay_file"`
	StoryboardFile string `gorm:"column:storyboard_file"`
	VideoFile      string `gorm:"column:video_file"`
	SoundtrackDir  string `gorm:"column:soundtrack_dir"`
	VoiceoverFile  string `gorm:"column:voiceover_file"`
	FinalFilmFile  string `gorm:"column:final_film_file"`
}

func (artifactRow) TableName() string { return "artifacts" }

type historyRow struct {
	ID      int64   `gorm:"primaryKey;autoIncrement;column:id"`
	Project string  `gorm:"index;column:project;type:varchar(191)"`
	Time    string  `gorm:"column:time"`
	Event   string  `gorm:"column:event"`
	Meta    JSONMap `gorm:"column:meta;type:json"`
}

func (historyRow) TableName() string { return "history" }

// SQLStore persists project state in four relational tables. Step mutations
// run row-level inside a transaction, so concurrent workers touching
// different steps of the same project do not clobber each other the way the
// whole-document backend can.
type SQLStore struct {
	db *gorm.DB
	// rowLocking enables SELECT ... FOR UPDATE on step reads. MySQL only;
	// SQLite serializes writers on its own and rejects the syntax.
	rowLocking bool
}

// NewSQLStore opens the relational backend. A DSN containing "@" is treated
// as a MySQL DSN; anything else is a SQLite database path.
func NewSQLStore(dsn string) (*SQLStore, error) {
	var dialector gorm.Dialector
	isMySQL := strings.Contains(dsn, "@")
	if isMySQL {
		dialector = mysql.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if !isMySQL {
		// One writer connection for the file-backed database; concurrent
		// transactions queue at the pool instead of failing with SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("access state database pool: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&projectRow{}, &stepRow{}, &artifactRow{}, &historyRow{}); err != nil {
		return nil, fmt.Errorf("migrate state schema: %w", err)
	}
	return &SQLStore{db: db, rowLocking: isMySQL}, nil
}

func (s *SQLStore) Init(project string) (*ProjectState, error) {
	key := SanitizeProjectName(project)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		return ensureProjectRows(tx, key)
	})
	if err != nil {
		return nil, err
	}
	return s.Load(key)
}

func (s *SQLStore) Load(project string) (*ProjectState, error) {
	key := SanitizeProjectName(project)

	var pr projectRow
	if err := s.db.First(&pr, "project = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load project %s: %w", key, err)
	}

	var steps []stepRow
	if err := s.db.Where("project = ?", key).Find(&steps).Error; err != nil {
		return nil, fmt.Errorf("load steps for %s: %w", key, err)
	}
	var ar artifactRow
	if err := s.db.First(&ar, "project = ?", key).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load artifacts for %s: %w", key, err)
	}
	var hist []historyRow
	if err := s.db.Where("project = ?", key).Order("id ASC").Find(&hist).Error; err != nil {
		return nil, fmt.Errorf("load history for %s: %w", key, err)
	}

	state := &ProjectState{
		Project:   pr.Project,
		CreatedAt: pr.CreatedAt,
		UpdatedAt: pr.UpdatedAt,
		Steps:     make(map[string]*Step, len(steps)),
		Artifacts: ar.toMap(),
		History:   make([]HistoryEntry, 0, len(hist)),
	}
	for _, row := range steps {
		state.Steps[row.StepKey] = row.toStep()
	}
	for _, row := range hist {
		state.History = append(state.History, HistoryEntry{
			Time:  row.Time,
			Event: row.Event,
			Meta:  map[string]string(row.Meta),
		})
	}
	state.FillMissing()
	return state, nil
}

func (s *SQLStore) UpdateStep(project, stepKey string, upd StepUpdate) (*ProjectState, error) {
	key := SanitizeProjectName(project)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := ensureProjectRows(tx, key); err != nil {
			return err
		}

		q := tx
		if s.rowLocking {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var sr stepRow
		err := q.First(&sr, "project = ? AND step_key = ?", key, stepKey).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			sr = stepRow{Project: key, StepKey: stepKey, Status: StepStatusNotStarted, Outputs: JSONMap{}}
		} else if err != nil {
			return fmt.Errorf("load step %s/%s: %w", key, stepKey, err)
		}
		// Apply the shared state machine to just the touched step.
		scratch := &ProjectState{
			Project: key,
			Steps:   map[string]*Step{stepKey: sr.toStep()},
		}
		scratch.ApplyStepUpdate(stepKey, upd)

		updated := stepRowFrom(key, stepKey, scratch.Steps[stepKey])
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project"}, {Name: "step_key"}},
			UpdateAll: true,
		}).Create(&updated).Error; err != nil {
			return fmt.Errorf("write step %s/%s: %w", key, stepKey, err)
		}

		// Write only the artifact columns this mutation mirrored. Rewriting
		// the whole row from a snapshot lets two transactions on different
		// steps of one project clear each other's freshly set pointers.
		if len(scratch.Artifacts) > 0 {
			cols := make(map[string]interface{}, len(scratch.Artifacts))
			for col, value := range scratch.Artifacts {
				cols[col] = value
			}
			if err := tx.Model(&artifactRow{}).Where("project = ?", key).
				Updates(cols).Error; err != nil {
				return fmt.Errorf("write artifacts for %s: %w", key, err)
			}
		}

		for _, entry := range scratch.History {
			row := historyRow{Project: key, Time: entry.Time, Event: entry.Event, Meta: JSONMap(entry.Meta)}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("append history for %s: %w", key, err)
			}
		}

		if err := tx.Model(&projectRow{}).Where("project = ?", key).
			Update("updated_at", scratch.UpdatedAt).Error; err != nil {
			return fmt.Errorf("touch project %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Load(key)
}

// Save overwrites all persisted state for state.Project with the given
// snapshot. Steps, artifacts and history are replaced wholesale, never
// merged; this is the import primitive behind migration and backend
// switches.
func (s *SQLStore) Save(state *ProjectState) error {
	key := SanitizeProjectName(state.Project)
	return s.db.Transaction(func(tx *gorm.DB) error {
		pr := projectRow{Project: key, CreatedAt: state.CreatedAt, UpdatedAt: state.UpdatedAt}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project"}},
			UpdateAll: true,
		}).Create(&pr).Error; err != nil {
			return fmt.Errorf("upsert project %s: %w", key, err)
		}

		if err := tx.Where("project = ?", key).Delete(&stepRow{}).Error; err != nil {
			return fmt.Errorf("clear steps for %s: %w", key, err)
		}
		// Canonical pipeline order first, then custom steps; imports land in
		// a stable row order instead of map iteration order.
		for _, stepKey := range state.StepKeys() {
			row := stepRowFrom(key, stepKey, state.Steps[stepKey])
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("import step %s/%s: %w", key, stepKey, err)
			}
		}

		ar := artifactRowFrom(key, state.Artifacts)
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project"}},
			UpdateAll: true,
		}).Create(&ar).Error; err != nil {
			return fmt.Errorf("import artifacts for %s: %w", key, err)
		}

		if err := tx.Where("project = ?", key).Delete(&historyRow{}).Error; err != nil {
			return fmt.Errorf("clear history for %s: %w", key, err)
		}
		for _, entry := range state.History {
			row := historyRow{Project: key, Time: entry.Time, Event: entry.Event, Meta: JSONMap(entry.Meta)}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("import history for %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) List() ([]string, error) {
	var projects []string
	if err := s.db.Model(&projectRow{}).Order("project ASC").Pluck("project", &projects).Error; err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

func (s *SQLStore) Delete(project string) error {
	key := SanitizeProjectName(project)
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, model := range []interface{}{&historyRow{}, &stepRow{}, &artifactRow{}, &projectRow{}} {
			if err := tx.Where("project = ?", key).Delete(model).Error; err != nil {
				return fmt.Errorf("delete project %s: %w", key, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) Close() error {
	db, err := s.db.DB()
	if err != nil {
		return err
	}
	return db.Close()
}

// ensureProjectRows lazily creates the project row, the canonical step rows
// and the artifacts row. Existing rows are left untouched, which is what
// makes Init idempotent.
func ensureProjectRows(tx *gorm.DB, key string) error {
	now := nowISO()
	pr := projectRow{Project: key, CreatedAt: now, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&pr).Error; err != nil {
		return fmt.Errorf("ensure project %s: %w", key, err)
	}
	seed := make([]stepRow, 0, len(PipelineSteps))
	for _, stepKey := range PipelineSteps {
		seed = append(seed, stepRow{
			Project: key,
			StepKey: stepKey,
			Status:  StepStatusNotStarted,
			Outputs: JSONMap{},
		})
	}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return fmt.Errorf("seed steps for %s: %w", key, err)
	}
	ar := artifactRow{Project: key}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ar).Error; err != nil {
		return fmt.Errorf("ensure artifacts for %s: %w", key, err)
	}
	return nil
}

func (r stepRow) toStep() *Step {
	outputs := map[string]string(r.Outputs)
	if outputs == nil {
		outputs = map[string]string{}
	}
	return &Step{
		Status:     r.Status,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Error:      r.Error,
		Outputs:    outputs,
	}
}

func stepRowFrom(project, stepKey string, step *Step) stepRow {
	return stepRow{
		Project:    project,
		StepKey:    stepKey,
		Status:     step.Status,
		StartedAt:  step.StartedAt,
		FinishedAt: step.FinishedAt,
		Error:      step.Error,
		Outputs:    JSONMap(step.Outputs),
	}
}

func (r artifactRow) toMap() map[string]string {
	m := map[string]string{}
	for key, value := range map[string]string{
		"schema_file":     r.SchemaFile,
		"screenplay_file": r.ScreenplayFile,
		"storyboard_file": r.StoryboardFile,
		"video_file":      r.VideoFile,
		"soundtrack_dir":  r.SoundtrackDir,
		"voiceover_file":  r.VoiceoverFile,
		"final_film_file": r.FinalFilmFile,
	} {
		if value != "" {
			m[key] = value
		}
	}
	return m
}

func artifactRowFrom(project string, artifacts map[string]string) artifactRow {
	return artifactRow{
		Project:        project,
		SchemaFile:     artifacts["schema_file"],
		ScreenplayFile: artifacts["screenplay_file"],
		StoryboardFile: artifacts["storyboard_file"],
		VideoFile:      artifacts["video_file"],
		SoundtrackDir:  artifacts["soundtrack_dir"],
		VoiceoverFile:  artifacts["voiceover_file"],
		FinalFilmFile:  artifacts["final_film_file"],
	}
}
