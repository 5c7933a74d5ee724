package regmig

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/chainforge/regmig/diff"
	"github.com/chainforge/regmig/remote"
	"github.com/chainforge/regmig/utils"
)

// publishedSize bounds the per-target cache of code hashes known published.
const publishedSize = 8192

// Declarer accumulates unique code artifacts and publishes each exactly
// once under one signing identity. Duplicate publication reported by the
// target is success: some sibling shard or earlier run got there first.
//
// The published set is shared between shards of one publication step; the
// known cache is shared across runs against one target, so a re-run skips
// the publish round-trip for everything it already pushed.
type Declarer struct {
	Classes map[remote.Hash]diff.LabeledArtifact

	identity  remote.Identity
	published *xsync.MapOf[remote.Hash, struct{}]
	known     *lru.Cache[remote.Hash, struct{}]
	avg       *utils.AvgVal
	log       utils.Logger
}

func NewDeclarer(identity remote.Identity, log utils.Logger) *Declarer {
	known, _ := lru.New[remote.Hash, struct{}](publishedSize)
	return &Declarer{
		Classes:   make(map[remote.Hash]diff.LabeledArtifact),
		identity:  identity,
		published: xsync.NewMapOf[remote.Hash, struct{}](),
		known:     known,
		avg:       utils.NewAvgVal(0),
		log:       log,
	}
}

// shard creates a declarer sharing this one's caches and latency average
// but owning a different identity, for parallel publication.
func (d *Declarer) shard(identity remote.Identity) *Declarer {
	return &Declarer{
		Classes:   make(map[remote.Hash]diff.LabeledArtifact),
		identity:  identity,
		published: d.published,
		known:     d.known,
		avg:       d.avg,
		log:       d.log,
	}
}

// AddClass schedules one artifact, de-duplicated by code hash.
func (d *Declarer) AddClass(art diff.LabeledArtifact) {
	if _, dup := d.Classes[art.Code]; !dup {
		d.Classes[art.Code] = art
	}
}

func (d *Declarer) ExtendClasses(arts []diff.LabeledArtifact) {
	for _, art := range arts {
		d.AddClass(art)
	}
}

// DeclareAll publishes every scheduled artifact, ascending by code hash.
// "Already published" outcomes are logged and folded into success; any
// other failure aborts with the artifact's label attached.
func (d *Declarer) DeclareAll(ctx context.Context) error {
	codes := make([]remote.Hash, 0, len(d.Classes))
	for code := range d.Classes {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	for _, code := range codes {
		art := d.Classes[code]
		if _, done := d.published.Load(code); done {
			PublishedArtifacts.WithLabelValues("cached").Inc()
			continue
		}
		if d.known.Contains(code) {
			PublishedArtifacts.WithLabelValues("cached").Inc()
			d.published.Store(code, struct{}{})
			continue
		}
		start := time.Now()
		receipt, err := d.identity.Publish(ctx, art.Artifact)
		switch {
		case err == nil:
			d.avg.Add(time.Since(start).Seconds())
			PublishedArtifacts.WithLabelValues("published").Inc()
			d.log.Debug("published artifact",
				"label", art.Label, "code", code, "tx", receipt.Tx)
		case remote.IsAlreadyPublished(err):
			PublishedArtifacts.WithLabelValues("duplicate").Inc()
			d.log.Debug("artifact already published", "label", art.Label, "code", code)
		default:
			return callFailed("publish", art.Label, err)
		}
		d.published.Store(code, struct{}{})
		d.known.Add(code, struct{}{})
	}
	d.Classes = make(map[remote.Hash]diff.LabeledArtifact)
	return nil
}

// AvgPublishSeconds reports the mean latency of the publications this
// declarer and its shards performed so far.
func (d *Declarer) AvgPublishSeconds() float64 { return d.avg.Val() }

// DeclareAllSharded distributes the scheduled artifacts round-robin across
// the given identities and publishes in parallel, one goroutine per shard,
// each owning its identity's nonce sequence. With no identities it degrades
// to DeclareAll under this declarer's own identity. Every shard runs to
// completion before any error is reported, so sibling progress is never
// wasted on a partial failure.
func (d *Declarer) DeclareAllSharded(ctx context.Context, identities []remote.Identity) error {
	if len(identities) == 0 {
		return d.DeclareAll(ctx)
	}
	shards := make([]*Declarer, len(identities))
	for i, identity := range identities {
		shards[i] = d.shard(identity)
	}

	codes := make([]remote.Hash, 0, len(d.Classes))
	for code := range d.Classes {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	for i, code := range codes {
		shards[i%len(shards)].AddClass(d.Classes[code])
	}
	d.Classes = make(map[remote.Hash]diff.LabeledArtifact)

	errs := make([]error, len(shards))
	var wg sync.WaitGroup
	for i, sh := range shards {
		wg.Add(1)
		go func(i int, sh *Declarer) {
			defer wg.Done()
			errs[i] = sh.DeclareAll(ctx)
		}(i, sh)
	}
	wg.Wait()
	d.log.Debug("sharded publication finished", "shards", len(shards),
		"published", d.avg.Count(), "avg_publish_secs", d.avg.Val())
	return errors.Join(errs...)
}
