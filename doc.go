// Package oauth is the HTTP facade for the gallerio authorization server.
//
// The grant engine lives in the server package; this package adapts it to
// net/http. The embedding application owns the mux, the resource-owner
// session, and the consent UI. A minimal wiring looks like:
//
//	store := memory.New()
//	engine, err := server.New(server.Stores{
//		Clients:     store,
//		Flows:       store,
//		Tokens:      store,
//		Families:    store,
//		Revocations: store,
//		DenyList:    store,
//	}, server.DefaultConfig("https://auth.gallerio.example"), logger)
//	if err != nil {
//		...
//	}
//	handler := oauth.NewHandler(engine, logger)
//	handler.OwnerResolver = sessionOwner // your session lookup
//	handler.RegisterRoutes(mux)
//
// Protected resources wrap their handlers with ValidateToken:
//
//	mux.Handle("/gallery/", handler.ValidateToken(galleryHandler, "view_gallery"))
package oauth
