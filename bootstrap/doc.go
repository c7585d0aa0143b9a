// Package bootstrap wires the argus pipeline from a configuration and
// supervises it.
//
// Usage:
//
//	app, err := bootstrap.NewApp(cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := app.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	// Blocks until a signal, a fatal processing error or the end of input.
//	err = app.Run(ctx)
package bootstrap
