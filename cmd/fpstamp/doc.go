// Command fpstamp embeds and decodes image fingerprints from the command line
// using the same models and pipeline as the HTTP server.
//
//	fpstamp embed photo.jpg -o photo_fp.png --seed 42
//	fpstamp decode photo_fp.png
//	fpstamp verify photo_fp.png 0110...
//	fpstamp batch shoot.zip other.zip -o out/ --concurrency 2
package main
