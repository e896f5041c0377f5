// Package taxonomy owns the hierarchical skill namespace: identifier
// resolution with alias support, draft storage, and atomic promotion of a
// draft into the published tree, with materialized closure tables backing
// both the category hierarchy and the skill dependency graph so reads
// never recurse.
package taxonomy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"skillforge/internal/apperrors"
	"skillforge/internal/domain"
	"skillforge/internal/logging"
	"skillforge/internal/persist"
)

const (
	draftsDir    = "_drafts"
	sentinelFile = ".complete"
	planFile     = "plan.json"
	skillFile    = "SKILL.md"
)

// alwaysLoadedSubtrees are scanned eagerly at startup and kept warm; every
// other skill loads lazily on Resolve.
var alwaysLoadedSubtrees = []string{"_core", "mcp_capabilities", "memory_blocks"}

// Store is the taxonomy + draft store.
type Store struct {
	san        *Sanitizer
	skills     *persist.SkillRepo
	taxClosure *persist.ClosureRepo
	depClosure *persist.ClosureRepo
	db         *persist.DB

	mu        sync.Mutex
	pathLocks map[string]*sync.Mutex

	coreMu sync.RWMutex
	core   map[string]*domain.Skill

	watcher *watcher
}

// New opens a Store rooted at storageRoot, creating the root and the
// reserved draft subtree if missing, and eagerly scans the always-loaded
// subtrees into memory.
func New(storageRoot string, skills *persist.SkillRepo, taxClosure, depClosure *persist.ClosureRepo, db *persist.DB) (*Store, error) {
	san, err := NewSanitizer(storageRoot)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(san.Root(), draftsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create draft subtree: %w", err)
	}

	s := &Store{
		san:        san,
		skills:     skills,
		taxClosure: taxClosure,
		depClosure: depClosure,
		db:         db,
		pathLocks:  make(map[string]*sync.Mutex),
		core:       make(map[string]*domain.Skill),
	}
	if err := s.scanAlwaysLoaded(); err != nil {
		return nil, err
	}
	return s, nil
}

// Root returns the absolute storage root.
func (s *Store) Root() string { return s.san.Root() }

// StartWatcher begins re-scanning the always-loaded subtrees whenever
// their files change on disk. Stop it by cancelling ctx.
func (s *Store) StartWatcher(ctx context.Context) error {
	w, err := newWatcher(s)
	if err != nil {
		return err
	}
	s.watcher = w
	return w.start(ctx)
}

func (s *Store) lockFor(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.pathLocks[path]
	if !ok {
		l = &sync.Mutex{}
		s.pathLocks[path] = l
	}
	return l
}

// scanAlwaysLoaded walks the reserved subtrees for SKILL.md documents and
// caches them in memory.
func (s *Store) scanAlwaysLoaded() error {
	loaded := make(map[string]*domain.Skill)
	for _, subtree := range alwaysLoadedSubtrees {
		dir := filepath.Join(s.san.Root(), subtree)
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() || info.Name() != skillFile {
				return err
			}
			rel, err := filepath.Rel(s.san.Root(), filepath.Dir(path))
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			skill, err := s.readSkillDir(rel)
			if err != nil {
				logging.Get(logging.CategoryTaxonomy).Warn("skip unreadable core skill %s: %v", rel, err)
				return nil
			}
			loaded[rel] = skill
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan %s: %w", subtree, err)
		}
	}

	s.coreMu.Lock()
	s.core = loaded
	s.coreMu.Unlock()
	logging.Get(logging.CategoryTaxonomy).Info("always-loaded scan cached %d skills", len(loaded))
	return nil
}

// readSkillDir loads the SKILL.md under rel and synthesizes a Skill record
// for it. Used for always-loaded and legacy on-disk skills that have no
// index row.
func (s *Store) readSkillDir(rel string) (*domain.Skill, error) {
	sp, err := s.san.Sanitize(rel + "/" + skillFile)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(sp.Abs())
	if err != nil {
		return nil, err
	}
	fm, _, err := ParseSkillDoc(string(raw))
	if err != nil {
		return nil, err
	}
	info, _ := os.Stat(sp.Abs())
	mtime := time.Now()
	if info != nil {
		mtime = info.ModTime()
	}
	return &domain.Skill{
		SkillID:       rel,
		CanonicalPath: rel,
		Version:       "1.0.0",
		Metadata:      fm.Metadata(),
		Content:       string(raw),
		Status:        domain.SkillStatusActive,
		CreatedAt:     mtime,
		UpdatedAt:     mtime,
	}, nil
}

// Resolve maps an identifier — skill id, canonical path, alias, or legacy
// on-disk location — to its skill. Drafts are invisible here.
func (s *Store) Resolve(identifier string) (*domain.Skill, error) {
	identifier = strings.Trim(identifier, "/")
	if identifier == "" {
		return nil, apperrors.New(apperrors.KindNotFound, "empty identifier")
	}

	if skill, err := s.skills.GetByID(identifier); err == nil {
		return skill, nil
	}
	if skill, err := s.skills.GetActiveByPath(identifier); err == nil {
		return skill, nil
	}
	if skillID, err := s.skills.ResolveAlias(identifier); err == nil {
		return s.skills.GetByID(skillID)
	}

	if strings.HasPrefix(identifier, draftsDir) {
		return nil, apperrors.New(apperrors.KindNotFound, "drafts are not resolvable")
	}

	s.coreMu.RLock()
	cached, ok := s.core[identifier]
	s.coreMu.RUnlock()
	if ok {
		return cached, nil
	}

	if _, err := s.san.Sanitize(identifier); err == nil {
		if skill, err := s.readSkillDir(identifier); err == nil {
			return skill, nil
		}
	}

	if skill, err := s.readLegacyJSON(identifier + ".json"); err == nil {
		return skill, nil
	}

	return nil, apperrors.New(apperrors.KindNotFound, "no skill matches "+identifier)
}

// legacyJSONSkill is the shape of pre-taxonomy single-file skill records.
type legacyJSONSkill struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
	Version     string `json:"version"`
}

func (s *Store) readLegacyJSON(rel string) (*domain.Skill, error) {
	sp, err := s.san.Sanitize(rel)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(sp.Abs())
	if err != nil {
		return nil, err
	}
	var legacy legacyJSONSkill
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, fmt.Errorf("parse legacy skill %s: %w", rel, err)
	}
	version := legacy.Version
	if version == "" {
		version = "1.0.0"
	}
	path := strings.TrimSuffix(rel, ".json")
	return &domain.Skill{
		SkillID:       path,
		CanonicalPath: path,
		Version:       version,
		Metadata:      domain.SkillMetadata{Name: legacy.Name, Description: legacy.Description},
		Content:       legacy.Content,
		Status:        domain.SkillStatusActive,
	}, nil
}

// WriteDraft writes a generated draft under _drafts/<jobID>/<name>/: the
// SKILL.md body, the structured plan, then the sentinel marker last, so a
// reader that sees the sentinel sees every file.
func (s *Store) WriteDraft(jobID string, plan, draft map[string]interface{}) (string, error) {
	timer := logging.StartTimer(logging.CategoryTaxonomy, "Store.WriteDraft")
	defer timer.Stop()

	name, _ := draft["skill_name"].(string)
	if name == "" {
		if meta, ok := plan["metadata"].(map[string]interface{}); ok {
			name, _ = meta["name"].(string)
		}
	}
	if err := domain.ValidateSkillName(name); err != nil {
		return "", err
	}
	content, _ := draft["draft_content"].(string)
	if content == "" {
		return "", apperrors.New(apperrors.KindInvalidInput, "draft has no content")
	}

	rel := draftsDir + "/" + jobID + "/" + name
	dir, err := s.san.Sanitize(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir.Abs(), 0o755); err != nil {
		return "", fmt.Errorf("create draft dir: %w", err)
	}

	planJSON, err := json.Marshal(plan)
	if err != nil {
		return "", fmt.Errorf("marshal draft plan: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir.Abs(), skillFile), []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write draft SKILL.md: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir.Abs(), planFile), planJSON, 0o644); err != nil {
		return "", fmt.Errorf("write draft plan: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir.Abs(), sentinelFile), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write draft sentinel: %w", err)
	}

	logging.Get(logging.CategoryTaxonomy).Info("draft written at %s", rel)
	return rel, nil
}

// DraftDir returns the sanitized draft location recorded on a job, checking
// the sentinel that marks the draft complete.
func (s *Store) DraftDir(job *domain.Job) (SafePath, error) {
	if job.DraftLocation == "" {
		return SafePath{}, apperrors.New(apperrors.KindConflictingState, "job has no draft")
	}
	dir, err := s.san.Sanitize(job.DraftLocation)
	if err != nil {
		return SafePath{}, err
	}
	if _, err := os.Stat(filepath.Join(dir.Abs(), sentinelFile)); err != nil {
		return SafePath{}, apperrors.New(apperrors.KindConflictingState, "draft is incomplete")
	}
	return dir, nil
}

// Promote moves a completed draft into the published tree and records the
// skill plus its index rows. Re-invoking Promote for an already-promoted
// job returns the existing publication untouched.
func (s *Store) Promote(ctx context.Context, job *domain.Job, overwrite, force bool) (string, string, string, error) {
	timer := logging.StartTimer(logging.CategoryTaxonomy, "Store.Promote")
	defer timer.Stop()

	if job.Promoted && job.Result != nil {
		existing, err := s.skills.GetActiveByPath(job.Result.CanonicalPath)
		if err == nil {
			return existing.CanonicalPath, existing.SkillID, existing.Version, nil
		}
	}

	if !force && job.Status != domain.JobStatusCompleted {
		return "", "", "", apperrors.New(apperrors.KindConflictingState,
			"job has not completed with a passing validation report")
	}

	draftDir, err := s.DraftDir(job)
	if err != nil {
		return "", "", "", err
	}

	plan, fm, content, err := s.readDraft(draftDir)
	if err != nil {
		return "", "", "", err
	}

	targetPath, _ := plan["taxonomy_path"].(string)
	if targetPath == "" {
		return "", "", "", apperrors.New(apperrors.KindConflictingState, "draft plan has no taxonomy path")
	}
	if err := domain.ValidateCanonicalPath(targetPath); err != nil {
		return "", "", "", err
	}
	target, err := s.san.Sanitize(targetPath)
	if err != nil {
		return "", "", "", err
	}

	lock := s.lockFor(targetPath)
	lock.Lock()
	defer lock.Unlock()

	var parent *domain.Skill
	if existing, err := s.skills.GetActiveByPath(targetPath); err == nil {
		if !overwrite {
			return "", "", "", apperrors.New(apperrors.KindConflictingState,
				"an active skill already exists at "+targetPath)
		}
		parent = existing
	} else if !apperrors.Is(err, apperrors.KindNotFound) {
		return "", "", "", err
	}

	deps := dependencySet(plan, fm)
	if err := s.validateDependencies(targetPath, deps); err != nil {
		return "", "", "", err
	}

	if err := s.installDraft(draftDir, target); err != nil {
		return "", "", "", err
	}

	now := time.Now().UTC()
	skill := &domain.Skill{
		SkillID:       uuid.NewString(),
		CanonicalPath: targetPath,
		Version:       "1.0.0",
		Metadata:      fm.Metadata(),
		Content:       content,
		Status:        domain.SkillStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if parent != nil {
		skill.ParentVersionID = parent.SkillID
		skill.Version = bumpMinor(parent.Version)
	}

	if err := s.skills.Publish(skill); err != nil {
		return "", "", "", apperrors.Wrap(apperrors.KindStorageUnavailable, "publish skill", err)
	}
	if err := s.indexPath(targetPath); err != nil {
		return "", "", "", err
	}
	if err := s.indexDependencies(targetPath, deps); err != nil {
		return "", "", "", err
	}

	if _, err := s.db.Conn().Exec(`UPDATE jobs SET promoted=1, updated_at=? WHERE job_id=?`, now, job.JobID); err != nil {
		logging.Get(logging.CategoryTaxonomy).Error("mark job %s promoted: %v", job.JobID, err)
	}

	logging.Get(logging.CategoryTaxonomy).Info("promoted %s as %s version %s", job.JobID, targetPath, skill.Version)
	return targetPath, skill.SkillID, skill.Version, nil
}

func (s *Store) readDraft(dir SafePath) (map[string]interface{}, *Frontmatter, string, error) {
	raw, err := os.ReadFile(filepath.Join(dir.Abs(), skillFile))
	if err != nil {
		return nil, nil, "", apperrors.Wrap(apperrors.KindConflictingState, "draft has no SKILL.md", err)
	}
	fm, _, err := ParseSkillDoc(string(raw))
	if err != nil {
		return nil, nil, "", err
	}

	plan := map[string]interface{}{}
	if planRaw, err := os.ReadFile(filepath.Join(dir.Abs(), planFile)); err == nil {
		if err := json.Unmarshal(planRaw, &plan); err != nil {
			return nil, nil, "", fmt.Errorf("parse draft plan: %w", err)
		}
	}
	return plan, fm, string(raw), nil
}

// dependencySet merges the plan's declared dependencies with the
// frontmatter's, deduplicated, in stable order.
func dependencySet(plan map[string]interface{}, fm *Frontmatter) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(dep string) {
		dep = strings.Trim(dep, "/")
		if dep == "" {
			return
		}
		if _, dup := seen[dep]; dup {
			return
		}
		seen[dep] = struct{}{}
		out = append(out, dep)
	}
	if raw, ok := plan["dependencies"].([]interface{}); ok {
		for _, d := range raw {
			if dep, ok := d.(string); ok {
				add(dep)
			}
		}
	}
	for _, dep := range fm.Dependencies {
		add(dep)
	}
	sort.Strings(out)
	return out
}

// validateDependencies checks every dependency resolves to an active skill
// and that none of the proposed edges closes a cycle. It runs entirely
// before any index write, so a rejected promotion mutates nothing.
func (s *Store) validateDependencies(targetPath string, deps []string) error {
	for _, dep := range deps {
		if dep == targetPath {
			return apperrors.New(apperrors.KindConflictingState, "skill cannot depend on itself")
		}
		depSkill, err := s.Resolve(dep)
		if err != nil {
			return apperrors.New(apperrors.KindConflictingState, "dependency "+dep+" does not resolve to a known skill")
		}
		if depSkill.Status != domain.SkillStatusActive {
			return apperrors.New(apperrors.KindConflictingState, "dependency "+dep+" is not active")
		}
		reaches, err := s.depClosure.HasPath(targetPath, depSkill.CanonicalPath)
		if err != nil {
			return apperrors.Wrap(apperrors.KindStorageUnavailable, "dependency closure check", err)
		}
		if reaches {
			return apperrors.New(apperrors.KindDependencyCycle,
				fmt.Sprintf("dependency %s already depends on %s", dep, targetPath))
		}
	}
	return nil
}

// installDraft moves the draft directory to its published location:
// rename when the two live on one filesystem, otherwise a staged copy and
// swap. The draft bookkeeping files do not travel.
func (s *Store) installDraft(draft, target SafePath) error {
	if err := os.MkdirAll(filepath.Dir(target.Abs()), 0o755); err != nil {
		return fmt.Errorf("create target parent: %w", err)
	}

	staging := target.Abs() + ".staging"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.Rename(draft.Abs(), staging); err != nil {
		if err := copyTree(draft.Abs(), staging); err != nil {
			return fmt.Errorf("stage draft: %w", err)
		}
	}

	for _, extra := range []string{sentinelFile, planFile} {
		_ = os.Remove(filepath.Join(staging, extra))
	}

	if err := os.RemoveAll(target.Abs()); err != nil {
		return fmt.Errorf("clear target dir: %w", err)
	}
	if err := os.Rename(staging, target.Abs()); err != nil {
		return fmt.Errorf("swap staged draft into place: %w", err)
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(out, 0o755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		dstFile, err := os.Create(out)
		if err != nil {
			return err
		}
		defer dstFile.Close()
		_, err = io.Copy(dstFile, in)
		return err
	})
}

// indexPath records the canonical path's category chain in the taxonomy
// closure, rooted at the empty-string sentinel node.
func (s *Store) indexPath(canonicalPath string) error {
	if err := s.taxClosure.AddNode(""); err != nil {
		return err
	}
	parent := ""
	segments := strings.Split(canonicalPath, "/")
	for i := range segments {
		node := strings.Join(segments[:i+1], "/")
		if err := s.taxClosure.AddNode(node); err != nil {
			return err
		}
		if err := s.taxClosure.AddEdge(parent, node); err != nil {
			return err
		}
		parent = node
	}
	return nil
}

func (s *Store) indexDependencies(canonicalPath string, deps []string) error {
	if err := s.depClosure.AddNode(canonicalPath); err != nil {
		return err
	}
	for _, dep := range deps {
		depSkill, err := s.Resolve(dep)
		if err != nil {
			return err
		}
		if err := s.depClosure.AddNode(depSkill.CanonicalPath); err != nil {
			return err
		}
		if err := s.depClosure.AddEdge(depSkill.CanonicalPath, canonicalPath); err != nil {
			return err
		}
	}
	return nil
}

func bumpMinor(version string) string {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) != 3 {
		return "1.1.0"
	}
	major, err1 := strconv.Atoi(parts[0])
	minor, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return "1.1.0"
	}
	return fmt.Sprintf("%d.%d.0", major, minor+1)
}

// TreeNode is one category (or skill holder) in the taxonomy listing.
type TreeNode struct {
	Path       string      `json:"path"`
	Name       string      `json:"name"`
	SkillCount int         `json:"skill_count"`
	Children   []*TreeNode `json:"children,omitempty"`
}

// Tree returns the category hierarchy with per-subtree active skill
// counts.
func (s *Store) Tree() (*TreeNode, error) {
	active, err := s.skills.ListByStatus(domain.SkillStatusActive)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindStorageUnavailable, "list active skills", err)
	}

	root := &TreeNode{Path: "", Name: ""}
	index := map[string]*TreeNode{"": root}
	for _, skill := range active {
		segments := strings.Split(skill.CanonicalPath, "/")
		parent := root
		for i := range segments {
			node := strings.Join(segments[:i+1], "/")
			child, ok := index[node]
			if !ok {
				child = &TreeNode{Path: node, Name: segments[i]}
				index[node] = child
				parent.Children = append(parent.Children, child)
			}
			child.SkillCount++
			parent = child
		}
		root.SkillCount++
	}

	var sortChildren func(n *TreeNode)
	sortChildren = func(n *TreeNode) {
		sort.Slice(n.Children, func(i, j int) bool { return n.Children[i].Path < n.Children[j].Path })
		for _, c := range n.Children {
			sortChildren(c)
		}
	}
	sortChildren(root)
	return root, nil
}
