// Package progress provides progress reporting for batch image fetches.
//
// This package outputs human-readable progress information,
// including completion percentage, transfer speed, and ETA.
//
// # Usage
//
//	reporter := progress.NewReporter(Options{
//	    TotalImages: len(urls),
//	    Output:      os.Stderr,
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	// Update as images complete
//	reporter.ImageStarted()
//	reporter.ImageCompleted(size, fromCache)
//
// # Output Format
//
//	[picfetch] Fetching 1200 images from urls.txt | Max active: 6
//	[picfetch] Progress: 45.2% | 542 / 1200 | 38.12 MB | Speed: 1.20 MB/s | ETA: 18s
//	[picfetch] Images: 510 downloaded | 32 cached | 3 failed | 6 in-progress
package progress
