package drive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blinksync/syncbrain/internal/conf"
	"github.com/blinksync/syncbrain/internal/errors"
	"github.com/blinksync/syncbrain/internal/logger"
)

const (
	functionName = "mass_storage.usb0"
	configName   = "c.1"
	langDir      = "0x409"
)

// ConfigFSGadget drives a Linux configfs mass-storage gadget
type ConfigFSGadget struct {
	settings conf.GadgetSettings
	udcDir   string // /sys/class/udc
	log      logger.Logger
}

// NewConfigFSGadget creates a gadget controller. Call Setup once before use.
func NewConfigFSGadget(settings conf.GadgetSettings) *ConfigFSGadget {
	return &ConfigFSGadget{
		settings: settings,
		udcDir:   "/sys/class/udc",
		log:      GetLogger().Module("gadget"),
	}
}

func (g *ConfigFSGadget) root() string {
	return filepath.Join(g.settings.ConfigFSRoot, g.settings.Name)
}

func (g *ConfigFSGadget) lunPath(attr string) string {
	return filepath.Join(g.root(), "functions", functionName, "lun.0", attr)
}

func boolAttr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// Setup creates the gadget layout. Existing layouts are updated in place,
// except while bound: the kernel refuses attribute writes on a gadget that
// serves a medium, so a bound layout is left as is until the next Bind.
func (g *ConfigFSGadget) Setup(ctx context.Context) error {
	s := g.settings
	root := g.root()

	if st, err := g.Status(ctx); err == nil && st == GadgetBound {
		g.log.Info("gadget already bound, keeping its layout", logger.String("name", s.Name))
		return nil
	}

	dirs := []string{
		root,
		filepath.Join(root, "strings", langDir),
		filepath.Join(root, "configs", configName, "strings", langDir),
		filepath.Join(root, "functions", functionName, "lun.0"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return g.fail(err, "create_layout")
		}
	}

	attrs := []struct{ path, value string }{
		{filepath.Join(root, "idVendor"), s.VendorID},
		{filepath.Join(root, "idProduct"), s.ProductID},
		{filepath.Join(root, "bcdDevice"), "0x0100"},
		{filepath.Join(root, "bcdUSB"), "0x0200"},
		{filepath.Join(root, "strings", langDir, "manufacturer"), s.Manufacturer},
		{filepath.Join(root, "strings", langDir, "product"), s.Product},
		{filepath.Join(root, "strings", langDir, "serialnumber"), s.SerialNumber},
		{filepath.Join(root, "configs", configName, "strings", langDir, "configuration"), "Mass Storage"},
		{filepath.Join(root, "configs", configName, "MaxPower"), "250"},
	}
	for _, a := range attrs {
		if err := writeAttr(a.path, a.value); err != nil {
			return g.fail(err, "write_attribute")
		}
	}

	link := filepath.Join(root, "configs", configName, functionName)
	if _, err := os.Lstat(link); os.IsNotExist(err) {
		if err := os.Symlink(filepath.Join(root, "functions", functionName), link); err != nil {
			return g.fail(err, "link_function")
		}
	}

	g.log.Info("gadget layout ready", logger.String("name", s.Name))
	return nil
}

// Bind sets the LUN attributes and the backing file, then attaches the
// gadget to the UDC. LUN attributes are only writable while no file is set.
func (g *ConfigFSGadget) Bind(_ context.Context, imagePath string) error {
	if current, err := os.ReadFile(g.lunPath("file")); err == nil && strings.TrimSpace(string(current)) != "" {
		if err := writeAttr(g.lunPath("file"), ""); err != nil {
			return g.fail(err, "clear_backing_file")
		}
	}
	lun := []struct{ attr, value string }{
		{"removable", boolAttr(g.settings.Removable)},
		{"ro", boolAttr(g.settings.ReadOnly)},
		{"nofua", boolAttr(g.settings.NoFUA)},
	}
	for _, a := range lun {
		if err := writeAttr(g.lunPath(a.attr), a.value); err != nil {
			return g.fail(err, "write_lun_attribute")
		}
	}
	if err := writeAttr(g.lunPath("file"), imagePath); err != nil {
		return g.fail(err, "set_backing_file")
	}
	udc, err := g.udc()
	if err != nil {
		return g.fail(err, "find_udc")
	}
	if err := writeAttr(filepath.Join(g.root(), "UDC"), udc); err != nil {
		return g.fail(err, "bind_udc")
	}
	g.log.Debug("gadget bound", logger.String("udc", udc))
	return nil
}

// Unbind detaches from the UDC and releases the backing file
func (g *ConfigFSGadget) Unbind(ctx context.Context) error {
	if st, err := g.Status(ctx); err == nil && st == GadgetBound {
		if err := writeAttr(filepath.Join(g.root(), "UDC"), ""); err != nil {
			return g.fail(err, "unbind_udc")
		}
	}
	// An empty write ejects the medium
	if err := writeAttr(g.lunPath("file"), ""); err != nil && !os.IsNotExist(err) {
		return g.fail(err, "clear_backing_file")
	}
	return nil
}

// Status reports bound when the gadget is attached to a UDC
func (g *ConfigFSGadget) Status(_ context.Context) (GadgetState, error) {
	data, err := os.ReadFile(filepath.Join(g.root(), "UDC"))
	if os.IsNotExist(err) {
		return GadgetUnbound, nil
	}
	if err != nil {
		return GadgetUnbound, g.fail(err, "read_udc")
	}
	if strings.TrimSpace(string(data)) == "" {
		return GadgetUnbound, nil
	}
	return GadgetBound, nil
}

func (g *ConfigFSGadget) udc() (string, error) {
	if g.settings.UDC != "" {
		return g.settings.UDC, nil
	}
	entries, err := os.ReadDir(g.udcDir)
	if err != nil {
		return "", err
	}
	if len(entries) > 0 {
		return entries[0].Name(), nil
	}
	return "", fmt.Errorf("no USB device controller in %s", g.udcDir)
}

func (g *ConfigFSGadget) fail(err error, op string) error {
	return errors.New(err).
		Component("drive").
		Category(errors.CategoryGadget).
		Context("operation", op).
		Build()
}

// writeAttr writes a configfs attribute. configfs expects a single write.
func writeAttr(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value + "\n"); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
