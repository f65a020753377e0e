package systems

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/google/uuid"
	"github.com/spaghettifunk/anima-resources/engine/archive"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/jobs"
	"github.com/spaghettifunk/anima-resources/engine/resources"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

/** @brief Number of bytes per pixel of a blank texture. */
const blankTextureChannelCount = 4

/** @brief Largest blank texture side accepted when the config sets none. */
const DefaultMaxTextureDimension = 16384

/** @brief Where the pixels of a texture come from. */
type TextureUsage int

const (
	/** @brief Encoded image read from the mounted archives. */
	TextureUsageFile TextureUsage = iota
	/** @brief Zeroed RGBA8 pixels, e.g. a render target. */
	TextureUsageBlank
)

type TextureParams struct {
	Usage TextureUsage
	/** @brief Archive path of the image. Defaults to the texture name. */
	Path string
	/** @brief Dimensions of a blank texture. Ignored for files. */
	Width  uint32
	Height uint32
}

type Texture struct {
	*resources.Base
	archives *archive.ArchiveManager
	params   TextureParams

	Width        uint32
	Height       uint32
	ChannelCount uint8
	/** @brief Image format name as reported by the decoder, "raw" for blank textures. */
	Format string
	/** @brief The encoded file contents, or the raw pixels of a blank texture. */
	Data []byte
}

func (t *Texture) Type() resources.Type { return resources.TypeTexture }

func (t *Texture) Load(ctx context.Context) error {
	if t.params.Usage == TextureUsageBlank {
		if t.params.Width == 0 || t.params.Height == 0 {
			return fmt.Errorf("blank texture '%s' needs a size: %w", t.Name(), core.ErrInvalidParameter)
		}
		t.Width, t.Height = t.params.Width, t.params.Height
		t.ChannelCount = blankTextureChannelCount
		t.Format = "raw"
		t.Data = make([]byte, int(t.Width)*int(t.Height)*blankTextureChannelCount)
		t.SetSize(uint64(len(t.Data)))
		return nil
	}

	path := t.params.Path
	if path == "" {
		path = t.Name()
	}
	data, err := t.archives.Read(ctx, path)
	if err != nil {
		return err
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("texture '%s': decode '%s': %w", t.Name(), path, err)
	}

	t.Width, t.Height = uint32(cfg.Width), uint32(cfg.Height)
	t.ChannelCount = channelCount(cfg.ColorModel)
	t.Format = format
	t.Data = data
	t.SetSize(uint64(len(data)))
	return nil
}

func (t *Texture) Unload(ctx context.Context) error {
	t.Data = nil
	t.SetSize(0)
	return nil
}

func (t *Texture) Clone(ctx context.Context) (*Texture, error) {
	clone := &Texture{
		Base:         resources.NewBase(t.Name()),
		archives:     t.archives,
		params:       t.params,
		Width:        t.Width,
		Height:       t.Height,
		ChannelCount: t.ChannelCount,
		Format:       t.Format,
		Data:         bytes.Clone(t.Data),
	}
	clone.SetSize(t.Size())
	return clone, nil
}

func channelCount(m color.Model) uint8 {
	if _, ok := m.(color.Palette); ok {
		return 4
	}
	switch m {
	case color.GrayModel, color.Gray16Model:
		return 1
	case color.YCbCrModel:
		return 3
	}
	return 4
}

/** @brief The configuration for the texture manager. */
type TextureManagerConfig struct {
	/** @brief The maximum number of textures that can be loaded at once. */
	MaxTextureCount uint32
	/** @brief Upper bound for the width and height of a blank texture. */
	MaxTextureDimension uint32
}

// TextureResult is delivered by LoadTextureAsync.
type TextureResult struct {
	Handle *resources.Handle[*Texture]
	Err    error
}

type TextureManager struct {
	*resources.Manager[*Texture, TextureParams]
	config   TextureManagerConfig
	jobs     *jobs.JobSystem
	archives *archive.ArchiveManager
}

func NewTextureManager(config TextureManagerConfig, am *archive.ArchiveManager, js *jobs.JobSystem, metrics *core.CacheMetrics) (*TextureManager, error) {
	if config.MaxTextureCount == 0 {
		err := fmt.Errorf("func NewTextureManager - config.MaxTextureCount must be > 0: %w", core.ErrInvalidParameter)
		core.LogError(err.Error())
		return nil, err
	}
	if am == nil {
		return nil, fmt.Errorf("func NewTextureManager - archive manager is required: %w", core.ErrInvalidParameter)
	}
	if config.MaxTextureDimension == 0 {
		config.MaxTextureDimension = DefaultMaxTextureDimension
	}

	tm := &TextureManager{
		config:   config,
		jobs:     js,
		archives: am,
	}
	tm.Manager = resources.NewManager[*Texture, TextureParams](resources.ManagerConfig{
		Name:     "textures",
		MaxCount: config.MaxTextureCount,
		Metrics:  metrics,
	}, resources.FactoryFunc[*Texture, TextureParams](tm.create))
	return tm, nil
}

func (tm *TextureManager) create(name string, params TextureParams) (*Texture, error) {
	if limit := tm.config.MaxTextureDimension; params.Usage == TextureUsageBlank && (params.Width > limit || params.Height > limit) {
		return nil, fmt.Errorf("blank texture '%s' is %dx%d, larger than %d: %w", name, params.Width, params.Height, limit, core.ErrInvalidParameter)
	}
	return &Texture{
		Base:     resources.NewBase(name),
		archives: tm.archives,
		params:   params,
	}, nil
}

/**
 * @brief Loads the texture with the given name, or takes another reference
 * to it. A blank texture without a name gets a generated one.
 */
func (tm *TextureManager) LoadTexture(ctx context.Context, name string, params TextureParams) (*resources.Handle[*Texture], error) {
	if name == "" {
		if params.Usage != TextureUsageBlank {
			return nil, fmt.Errorf("LoadTexture - a file texture needs a name: %w", core.ErrInvalidParameter)
		}
		name = "texture_" + uuid.NewString()
	}
	return tm.Load(ctx, name, params)
}

/**
 * @brief Loads the texture on the job system. The channel receives exactly
 * one result.
 */
func (tm *TextureManager) LoadTextureAsync(ctx context.Context, name string, params TextureParams) <-chan TextureResult {
	out := make(chan TextureResult, 1)
	if tm.jobs == nil {
		go func() {
			h, err := tm.LoadTexture(ctx, name, params)
			out <- TextureResult{Handle: h, Err: err}
		}()
		return out
	}

	err := tm.jobs.Submit(ctx, jobs.JobTask{
		JobType: jobs.JobTypeResourceLoad,
		OnStart: func(ctx context.Context) (interface{}, error) {
			return tm.LoadTexture(ctx, name, params)
		},
		OnComplete: func(result interface{}) {
			out <- TextureResult{Handle: result.(*resources.Handle[*Texture])}
		},
		OnFailure: func(err error) {
			out <- TextureResult{Err: err}
		},
	})
	if err != nil {
		out <- TextureResult{Err: err}
	}
	return out
}

func (tm *TextureManager) UnloadTexture(ctx context.Context, h *resources.Handle[*Texture]) error {
	return tm.Unload(ctx, h)
}

func (tm *TextureManager) CloneTexture(ctx context.Context, src *Texture) (*resources.Handle[*Texture], error) {
	return tm.Clone(ctx, src)
}

func (tm *TextureManager) GetTexture(name string) (*Texture, bool) {
	return tm.Get(name)
}

func (tm *TextureManager) Shutdown(ctx context.Context) error {
	return tm.UnloadAllResources(ctx)
}
