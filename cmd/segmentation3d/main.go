package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"segmentation3d/internal/models"
	"segmentation3d/pkg/cache"
	"segmentation3d/pkg/config"
	"segmentation3d/pkg/display"
	"segmentation3d/pkg/events"
	"segmentation3d/pkg/interpolation"
	"segmentation3d/pkg/logging"
	"segmentation3d/pkg/metrics"
	"segmentation3d/pkg/polyseg"
	"segmentation3d/pkg/reconstruction"
	"segmentation3d/pkg/segmentation"
	"segmentation3d/pkg/stl"
	"segmentation3d/pkg/volume"
	"segmentation3d/pkg/workers"
)

func main() {
	inputDir := flag.String("input", "", "Directory containing 2D label slices (PNG or JPEG)")
	configPath := flag.String("config", "", "Configuration file (.yaml or .toml)")
	writeConfig := flag.Bool("write-config", false, "Write a default configuration to -config and exit")
	outputName := flag.String("output", "surface.stl", "Output STL filename")
	segmentIndex := flag.Int("segment", 1, "Segment index to interpolate (0 to skip interpolation)")
	axis := flag.Int("axis", -2, "Interpolation axis: 0, 1, 2 or -1 for all (default from config)")
	spacing := flag.Float64("spacing", 1, "In-plane pixel spacing in mm")
	sliceGap := flag.Float64("gap", 1.5, "Inter-slice gap in mm")
	scale := flag.Int("scale", 1, "Gray value per label step in the input images")
	extractSlices := flag.Bool("extract-slices", false, "Save the interpolated volume as slices along all axes")
	slicesDir := flag.String("slices-dir", "interpolated_slices", "Directory to save extracted slices")
	printMetrics := flag.Bool("metrics", false, "Print prometheus metrics on exit")
	flag.Parse()

	if *writeConfig {
		if *configPath == "" {
			log.Fatal("-write-config needs -config")
		}
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}
	if *inputDir == "" {
		flag.Usage()
		os.Exit(1)
	}
	if *scale < 1 || *scale > 255 {
		log.Fatalf("-scale must be between 1 and 255")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logging.New(logging.Config{
		Logfile: cfg.Logging.Logfile,
		MaxSize: cfg.Logging.MaxSize,
		MaxAge:  cfg.Logging.MaxAge,
		Level:   cfg.Logging.Level,
	})
	defer logger.Shutdown()
	if *axis == -2 {
		*axis = cfg.Interpolation.Axis
	}

	bus := events.NewBus()
	rec := metrics.New()
	store := segmentation.NewStore(segmentation.Options{
		Bus:    bus,
		Logger: logger,
		GlobalConfig: segmentation.GlobalConfig{
			RenderInactiveSegmentations: cfg.Rendering.RenderInactiveSegmentations,
			Representations:             cfg.GlobalStyles(),
		},
		ShareDefaultColorLUT: cfg.ColorLUT.ShareDefault,
	})
	mem := cache.MustNewMemory(cache.DefaultSizes)
	engine := polyseg.NewEngine(polyseg.Options{Store: store, Caches: mem.Caches(), Logger: logger, Metrics: rec})
	backend := display.NewMemoryBackend(bus)
	annotations := display.NewMemoryAnnotations()
	dispatchers := display.New(display.Options{
		Store:       store,
		Engine:      engine,
		Caches:      mem.Caches(),
		Backend:     backend,
		Annotations: annotations,
		Logger:      logger,
	})
	dispatchers.Listen(bus)
	reencoder := reconstruction.NewReencoder(reconstruction.Options{
		Store:    store,
		Caches:   mem.Caches(),
		Renderer: dispatchers,
		Logger:   logger,
	})
	interpolator := interpolation.New(interpolation.Options{
		Store:  store,
		Caches: mem.Caches(),
		PoolOptions: workers.Options{
			Capacity:    cfg.Workers.Capacity,
			IdleTimeout: cfg.Workers.IdleTimeout.Duration,
			Logger:      logger,
			Metrics:     rec,
		},
		Compress: cfg.Workers.Compress,
		Logger:   logger,
		Metrics:  rec,
	})
	defer interpolator.Close()

	bus.Subscribe(events.WorkerProgress, func(e events.Event) {
		fmt.Printf("  %s: %d%%\n", e.TaskType, e.Progress)
	})

	ctx := context.Background()
	start := time.Now()

	fmt.Println("================================")
	fmt.Println("SEGMENTATION 3D: stack -> volume -> interpolation -> surface")
	fmt.Println("================================")

	images, err := reconstruction.LoadLabelSlices(*inputDir, reconstruction.SliceParams{
		Spacing: [3]float64{*spacing, *spacing, *sliceGap},
		Scale:   uint8(*scale),
	})
	if err != nil {
		log.Fatalf("Failed to load slices: %v", err)
	}
	refs := models.NewImageReferenceMap()
	for _, img := range images {
		mem.PutImage(img)
		refs.Add(img.ReferencedImageID, img.ID)
	}
	fmt.Printf("Loaded %d slices of %dx%d\n", len(images), images[0].Width, images[0].Height)

	stackID := segmentation.GenerateID()
	if err := store.AddSegmentations([]segmentation.SegmentationInput{{
		SegmentationID: stackID,
		Label:          filepath.Base(*inputDir),
		Data:           models.LabelmapStack{ImageIDReferenceMap: refs},
	}}); err != nil {
		log.Fatalf("Failed to add segmentation: %v", err)
	}
	stackViewport := &display.StaticViewport{ViewportID: "stack", Stack: images}
	dispatchers.AddViewport(stackViewport)
	if _, err := store.AddSegmentationRepresentation("stack", segmentation.RepresentationInput{
		SegmentationID: stackID,
		Kind:           models.Labelmap,
	}); err != nil {
		log.Fatalf("Failed to add representation: %v", err)
	}
	if err := dispatchers.Render(ctx, []string{"stack"}); err != nil {
		log.Fatalf("Render failed: %v", err)
	}

	volumeID := "volume-" + stackID
	segID, err := reencoder.ConvertStackToVolumeSegmentation(ctx, stackID, reconstruction.StackToVolumeParams{VolumeID: volumeID})
	if err != nil {
		log.Fatalf("Stack to volume conversion failed: %v", err)
	}
	vol, _ := mem.GetVolume(volumeID)
	fmt.Printf("Built volume %s: %v voxels, %s\n", volumeID, vol.Dimensions, humanize.Bytes(uint64(len(vol.ScalarData))))

	if *segmentIndex > 0 {
		res, err := interpolator.InterpolateLabelmap(ctx, segID, *segmentIndex, interpolation.Config{
			Axis:                *axis,
			HeuristicAlignment:  cfg.Interpolation.HeuristicAlignment,
			PreviewSegmentIndex: uint8(cfg.Interpolation.PreviewSegmentIndex),
		})
		if err != nil {
			log.Fatalf("Interpolation failed: %v", err)
		}
		fmt.Printf("Interpolation %s, slices modified: %v\n", res.Status, res.SliceIndices[volumeID])
	}

	threeD := &display.StaticViewport{ViewportID: "3d", VolumeID: volumeID}
	dispatchers.AddViewport(threeD)
	targets := []struct {
		viewportID string
		kind       models.RepresentationKind
	}{
		{"3d", models.Surface},
		{"stack", models.Contour},
	}
	for _, t := range targets {
		if _, err := store.AddSegmentationRepresentation(t.viewportID, segmentation.RepresentationInput{
			SegmentationID:    segID,
			Kind:              t.kind,
			ConversionEnabled: true,
		}); err != nil {
			log.Fatalf("Failed to add %s representation: %v", t.kind, err)
		}
	}
	// the stack viewport keeps its labelmap active, contours draw alongside
	global := store.GetGlobalConfig()
	global.RenderInactiveSegmentations = true
	store.SetGlobalConfig(global)
	if err := dispatchers.Render(ctx, []string{"3d", "stack"}); err != nil {
		log.Fatalf("Render failed: %v", err)
	}

	seg, _ := store.GetSegmentation(segID)
	surface, ok := seg.RepresentationData[models.Surface].(models.SurfaceData)
	if !ok {
		log.Fatalf("No surface was derived for %s", segID)
	}
	var triangles []stl.Triangle
	for _, gid := range surface.GeometryIDs {
		g, ok := mem.GetGeometry(gid)
		if !ok || g.Mesh == nil {
			continue
		}
		triangles = append(triangles, stl.MeshTriangles(g.Mesh.Points, g.Mesh.Polys)...)
	}
	if err := stl.SaveToSTL(*outputName, triangles); err != nil {
		log.Fatalf("Failed to save STL: %v", err)
	}

	fmt.Printf("\nCompleted in %.2f seconds\n", time.Since(start).Seconds())
	fmt.Printf("Surface: %d segment(s), %d triangles -> %s\n", len(surface.GeometryIDs), len(triangles), *outputName)
	fmt.Printf("Contour annotations: %d\n", len(annotations.UIDs()))

	if *extractSlices {
		slicer := volume.NewSlicer(vol)
		for _, a := range []volume.Axis{volume.AxisX, volume.AxisY, volume.AxisZ} {
			axisDir := filepath.Join(*slicesDir, a.String())
			fmt.Printf("Saving %s-axis slices to: %s\n", a, axisDir)
			if err := slicer.SaveSliceSequence(a, axisDir, uint8(*scale)); err != nil {
				log.Printf("Warning: Failed to save %s-axis slices: %v", a, err)
			}
		}
	}

	if *printMetrics {
		fmt.Println()
		if err := rec.WriteText(os.Stdout); err != nil {
			log.Printf("Warning: Failed to write metrics: %v", err)
		}
	}
}
