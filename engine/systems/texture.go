package systems

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/lumen/engine/core"
	"github.com/spaghettifunk/lumen/engine/renderer"
	"github.com/spaghettifunk/lumen/engine/renderer/metadata"
)

/** @brief Configuration for the texture system. */
type TextureSystemConfig struct {
	MaxTextureCount uint32
}

/**
 * @brief Owns GPU textures and their generation counters. A texture's
 * Generation starts at 0 (not created) and is bumped on every replace, so
 * the binder can detect a swapped-out texture behind an unchanged pointer.
 */
type TextureSystem struct {
	config *TextureSystemConfig

	registeredTextures map[string]*metadata.Texture
	mutex              sync.RWMutex

	renderer renderer.RendererBackend
}

func NewTextureSystem(config *TextureSystemConfig, r renderer.RendererBackend) (*TextureSystem, error) {
	if config.MaxTextureCount == 0 {
		err := fmt.Errorf("NewTextureSystem - config.MaxTextureCount must be > 0")
		core.LogError(err.Error())
		return nil, err
	}
	return &TextureSystem{
		config:             config,
		registeredTextures: make(map[string]*metadata.Texture),
		renderer:           r,
	}, nil
}

func (ts *TextureSystem) Shutdown() error {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()
	for name, t := range ts.registeredTextures {
		if t.Generation != 0 {
			ts.renderer.TextureDestroy(t)
		}
		delete(ts.registeredTextures, name)
	}
	return nil
}

/**
 * @brief Returns the named texture, creating it on the GPU on first use.
 */
func (ts *TextureSystem) Acquire(name string, width, height uint32, format metadata.TargetFormat) (*metadata.Texture, error) {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	if t, ok := ts.registeredTextures[name]; ok {
		return t, nil
	}
	if uint32(len(ts.registeredTextures)) >= ts.config.MaxTextureCount {
		err := fmt.Errorf("texture system is full (max %d)", ts.config.MaxTextureCount)
		core.LogError(err.Error())
		return nil, err
	}

	t := &metadata.Texture{
		Name:   name,
		Width:  width,
		Height: height,
		Format: format,
	}
	if err := ts.renderer.TextureCreate(t); err != nil {
		core.LogError("failed to create texture '%s': %s", name, err.Error())
		return nil, err
	}
	t.Generation = 1
	ts.registeredTextures[name] = t
	return t, nil
}

/**
 * @brief Recreates the texture at a new size and bumps its generation so
 * every frame's descriptors referencing it get rewritten on next use.
 */
func (ts *TextureSystem) Resize(name string, width, height uint32) error {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	t, ok := ts.registeredTextures[name]
	if !ok {
		return fmt.Errorf("Resize: no texture named '%s'", name)
	}
	if err := ts.renderer.TextureResize(t, width, height); err != nil {
		core.LogError("failed to resize texture '%s': %s", name, err.Error())
		return err
	}
	t.Width = width
	t.Height = height
	t.Generation++
	return nil
}

func (ts *TextureSystem) Destroy(name string) {
	ts.mutex.Lock()
	defer ts.mutex.Unlock()

	t, ok := ts.registeredTextures[name]
	if !ok {
		return
	}
	if t.Generation != 0 {
		ts.renderer.TextureDestroy(t)
	}
	delete(ts.registeredTextures, name)
}
